package normalize

import (
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/JetSquirrel/cloudbridge/internal/model"
)

// AWSMetric is the Cost Explorer metric every query requests.
const AWSMetric = "UnblendedCost"

// AWSCostResponse is the GetCostAndUsage response body.
type AWSCostResponse struct {
	ResultsByTime *[]AWSResultByTime `json:"ResultsByTime"`
	NextPageToken string             `json:"NextPageToken,omitempty"`
}

// AWSResultByTime is one period of a GetCostAndUsage response.
type AWSResultByTime struct {
	TimePeriod struct {
		Start string `json:"Start"`
		End   string `json:"End"`
	} `json:"TimePeriod"`
	Total     map[string]AWSMetricValue `json:"Total"`
	Groups    []AWSGroup                `json:"Groups"`
	Estimated bool                      `json:"Estimated"`
}

// AWSGroup is a grouped row, keyed by dimension values.
type AWSGroup struct {
	Keys    []string                  `json:"Keys"`
	Metrics map[string]AWSMetricValue `json:"Metrics"`
}

// AWSMetricValue carries the amount as a decimal string.
type AWSMetricValue struct {
	Amount decimal.Decimal `json:"Amount"`
	Unit   string          `json:"Unit"`
}

// DecodeAWSCost decodes one GetCostAndUsage page.
func DecodeAWSCost(raw []byte) (*AWSCostResponse, error) {
	const op = "GetCostAndUsage"
	var resp AWSCostResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, malformed(model.CloudProviderAWS, op, err)
	}
	if resp.ResultsByTime == nil {
		return nil, malformedf(model.CloudProviderAWS, op, "response has no ResultsByTime")
	}
	return &resp, nil
}

// AWSSummary folds MONTHLY, SERVICE-grouped pages into a summary. Periods
// starting before the current month count toward the previous month.
func AWSSummary(q model.CostQuery, pages ...[]byte) (*model.CostSummary, error) {
	cur, _, err := q.Periods()
	if err != nil {
		return nil, model.NewError(model.KindInvalidInput, "normalize summary", err)
	}

	curTotals, prevTotals := serviceTotals{}, serviceTotals{}
	unit := ""

	for _, raw := range pages {
		resp, err := DecodeAWSCost(raw)
		if err != nil {
			return nil, err
		}
		for _, r := range *resp.ResultsByTime {
			start, err := model.ParseDate(r.TimePeriod.Start)
			if err != nil {
				return nil, malformed(model.CloudProviderAWS, "GetCostAndUsage", err)
			}
			bucket := prevTotals
			if !start.Before(cur.Start) {
				bucket = curTotals
			}

			if len(r.Groups) == 0 {
				if m, ok := r.Total[AWSMetric]; ok && !m.Amount.IsZero() {
					bucket.add(OtherService, m.Amount)
					unit = firstNonEmpty(unit, m.Unit)
				}
				continue
			}
			for _, g := range r.Groups {
				m := g.Metrics[AWSMetric]
				bucket.add(firstNonEmpty(g.Keys...), m.Amount)
				unit = firstNonEmpty(unit, m.Unit)
			}
		}
	}

	return summaryFrom(q, model.CloudProviderAWS, currencyOr(unit, model.CloudProviderAWS), curTotals, prevTotals)
}

// AWSTrend folds DAILY pages into a gap-free trend over the query window.
func AWSTrend(q model.CostQuery, pages ...[]byte) (*model.CostTrend, error) {
	points := map[string]decimal.Decimal{}
	unit := ""

	for _, raw := range pages {
		resp, err := DecodeAWSCost(raw)
		if err != nil {
			return nil, err
		}
		for _, r := range *resp.ResultsByTime {
			if _, err := model.ParseDate(r.TimePeriod.Start); err != nil {
				return nil, malformed(model.CloudProviderAWS, "GetCostAndUsage", err)
			}
			day := r.TimePeriod.Start

			if len(r.Groups) == 0 {
				m := r.Total[AWSMetric]
				points[day] = points[day].Add(m.Amount)
				unit = firstNonEmpty(unit, m.Unit)
				continue
			}
			for _, g := range r.Groups {
				m := g.Metrics[AWSMetric]
				points[day] = points[day].Add(m.Amount)
				unit = firstNonEmpty(unit, m.Unit)
			}
		}
	}

	return trendFrom(q, model.CloudProviderAWS, currencyOr(unit, model.CloudProviderAWS), points)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
