// Package normalize maps raw provider billing payloads onto the common cost model.
// Every function here is pure: bytes in, model values out.
package normalize

import (
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/JetSquirrel/cloudbridge/internal/model"
)

// OtherService buckets costs that arrive without a service name.
const OtherService = "Other"

// MonthOverMonth returns the percentage change from prev to cur. With no
// previous spend it is 100 when there is current spend and 0 otherwise.
func MonthOverMonth(cur, prev float64) float64 {
	if prev > 0 {
		return (cur - prev) / prev * 100
	}
	if cur > 0 {
		return 100
	}
	return 0
}

// FillWindow returns exactly days entries starting at start. Days missing from
// points are zero.
func FillWindow(start time.Time, days int, points map[string]decimal.Decimal) []model.DailyCost {
	out := make([]model.DailyCost, days)
	day := model.Day(start)
	for i := range out {
		date := model.FormatDate(day.AddDate(0, 0, i))
		out[i] = model.DailyCost{Date: date, Amount: points[date].InexactFloat64()}
	}
	return out
}

// SortServices orders by amount descending, then by name.
func SortServices(services []model.ServiceCost) {
	sort.SliceStable(services, func(i, j int) bool {
		if services[i].Amount != services[j].Amount {
			return services[i].Amount > services[j].Amount
		}
		return services[i].Service < services[j].Service
	})
}

// serviceTotals accumulates amounts per service name.
type serviceTotals map[string]decimal.Decimal

func (s serviceTotals) add(name string, amount decimal.Decimal) {
	if name == "" {
		name = OtherService
	}
	s[name] = s[name].Add(amount)
}

// build returns the sorted breakdown and the exact period total.
func (s serviceTotals) build(currency model.Currency) ([]model.ServiceCost, float64) {
	services := lo.MapToSlice(s, func(name string, amount decimal.Decimal) model.ServiceCost {
		return model.ServiceCost{Service: name, Amount: amount.InexactFloat64(), Currency: currency}
	})
	SortServices(services)

	total := lo.Reduce(lo.Values(s), func(acc decimal.Decimal, d decimal.Decimal, _ int) decimal.Decimal {
		return acc.Add(d)
	}, decimal.Zero)
	return services, total.InexactFloat64()
}

func summaryFrom(q model.CostQuery, provider model.CloudProvider, currency model.Currency, cur, prev serviceTotals) (*model.CostSummary, error) {
	curRange, prevRange, err := q.Periods()
	if err != nil {
		return nil, model.NewError(model.KindInvalidInput, "normalize summary", err)
	}
	services, curTotal := cur.build(currency)
	prevServices, prevTotal := prev.build(currency)

	return &model.CostSummary{
		AccountID:        q.AccountID,
		Provider:         provider,
		Currency:         currency,
		CurrentStart:     model.FormatDate(curRange.Start),
		CurrentEnd:       model.FormatDate(curRange.End),
		PreviousStart:    model.FormatDate(prevRange.Start),
		PreviousEnd:      model.FormatDate(prevRange.End),
		CurrentTotal:     curTotal,
		PreviousTotal:    prevTotal,
		MonthOverMonth:   MonthOverMonth(curTotal, prevTotal),
		Services:         services,
		PreviousServices: prevServices,
	}, nil
}

func trendFrom(q model.CostQuery, provider model.CloudProvider, currency model.Currency, points map[string]decimal.Decimal) (*model.CostTrend, error) {
	start, _, err := q.Range()
	if err != nil {
		return nil, model.NewError(model.KindInvalidInput, "normalize trend", err)
	}
	days := FillWindow(start, q.Days(), points)
	total := lo.SumBy(days, func(d model.DailyCost) float64 { return d.Amount })

	return &model.CostTrend{
		AccountID: q.AccountID,
		Provider:  provider,
		Currency:  currency,
		Start:     q.Start,
		End:       q.End,
		Total:     total,
		Days:      days,
	}, nil
}

func malformed(provider model.CloudProvider, op string, err error) error {
	return &model.Error{Kind: model.KindMalformedResponse, Provider: provider, Op: op, Err: err}
}

func malformedf(provider model.CloudProvider, op, format string, args ...any) error {
	e := model.Errorf(model.KindMalformedResponse, op, format, args...)
	e.Provider = provider
	return e
}

func currencyOr(c string, provider model.CloudProvider) model.Currency {
	if c == "" {
		return provider.BillingCurrency()
	}
	return model.Currency(c)
}
