package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// TrendWindowDays is the trailing window covered by a cost trend.
const TrendWindowDays = 30

// QueryKind distinguishes the payload shape a query produces.
type QueryKind string

const (
	QuerySummary QueryKind = "summary"
	QueryTrend   QueryKind = "trend"
)

// CostQuery identifies one cacheable provider request. It is comparable and
// every field takes part in equality. Start and End are inclusive DateLayout dates.
type CostQuery struct {
	AccountID   string      `json:"account_id"`
	Kind        QueryKind   `json:"kind"`
	Start       string      `json:"start"`
	End         string      `json:"end"`
	Granularity Granularity `json:"granularity"`
}

// String returns a stable key covering all fields.
func (q CostQuery) String() string {
	return strings.Join([]string{q.AccountID, string(q.Kind), q.Start, q.End, string(q.Granularity)}, "|")
}

// SummaryQuery covers the previous month and the current month to date.
func SummaryQuery(accountID string, now time.Time) CostQuery {
	today := Day(now)
	prevStart := MonthStart(today).AddDate(0, -1, 0)
	return CostQuery{
		AccountID:   accountID,
		Kind:        QuerySummary,
		Start:       FormatDate(prevStart),
		End:         FormatDate(today),
		Granularity: GranularityMonthly,
	}
}

// TrendQuery covers the trailing days ending today.
func TrendQuery(accountID string, now time.Time, days int) CostQuery {
	today := Day(now)
	return CostQuery{
		AccountID:   accountID,
		Kind:        QueryTrend,
		Start:       FormatDate(today.AddDate(0, 0, -(days - 1))),
		End:         FormatDate(today),
		Granularity: GranularityDaily,
	}
}

// Range parses the inclusive start and end dates.
func (q CostQuery) Range() (start, end time.Time, err error) {
	if start, err = ParseDate(q.Start); err != nil {
		return start, end, fmt.Errorf("invalid start date %q: %w", q.Start, err)
	}
	if end, err = ParseDate(q.End); err != nil {
		return start, end, fmt.Errorf("invalid end date %q: %w", q.End, err)
	}
	if end.Before(start) {
		return start, end, fmt.Errorf("end date %s before start date %s", q.End, q.Start)
	}
	return start, end, nil
}

// Days returns the number of calendar days in the inclusive range.
func (q CostQuery) Days() int {
	start, end, err := q.Range()
	if err != nil {
		return 0
	}
	return int(end.Sub(start).Hours()/24) + 1
}

// Periods splits a summary query into its current and previous month ranges.
func (q CostQuery) Periods() (cur, prev DateRange, err error) {
	_, end, err := q.Range()
	if err != nil {
		return cur, prev, err
	}
	curStart := MonthStart(end)
	prevStart := curStart.AddDate(0, -1, 0)
	cur = DateRange{Start: curStart, End: end}
	prev = DateRange{Start: prevStart, End: curStart.AddDate(0, 0, -1)}
	return cur, prev, nil
}

// DateRange is an inclusive span of calendar days.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ServiceCost is the cost attributed to one provider service.
type ServiceCost struct {
	Service  string   `json:"service"`
	Amount   float64  `json:"amount"`
	Currency Currency `json:"currency"`
}

// CostSummary compares the current month to date with the previous month.
type CostSummary struct {
	AccountID        string        `json:"account_id"`
	Provider         CloudProvider `json:"provider"`
	Currency         Currency      `json:"currency"`
	CurrentStart     string        `json:"current_start"`
	CurrentEnd       string        `json:"current_end"`
	PreviousStart    string        `json:"previous_start"`
	PreviousEnd      string        `json:"previous_end"`
	CurrentTotal     float64       `json:"current_total"`
	PreviousTotal    float64       `json:"previous_total"`
	MonthOverMonth   float64       `json:"month_over_month"`
	Services         []ServiceCost `json:"services"`
	PreviousServices []ServiceCost `json:"previous_services"`
}

// Validate checks that the per-service amounts add up to each period total.
func (s *CostSummary) Validate(tolerance float64) error {
	if got := sumServices(s.Services); math.Abs(got-s.CurrentTotal) > tolerance {
		return fmt.Errorf("current services sum to %f, total is %f", got, s.CurrentTotal)
	}
	if got := sumServices(s.PreviousServices); math.Abs(got-s.PreviousTotal) > tolerance {
		return fmt.Errorf("previous services sum to %f, total is %f", got, s.PreviousTotal)
	}
	return nil
}

func sumServices(services []ServiceCost) float64 {
	var total float64
	for _, s := range services {
		total += s.Amount
	}
	return total
}

// DailyCost is one point of a trend.
type DailyCost struct {
	Date   string  `json:"date"`
	Amount float64 `json:"amount"`
}

// CostTrend is a gap-free run of daily costs.
type CostTrend struct {
	AccountID string        `json:"account_id"`
	Provider  CloudProvider `json:"provider"`
	Currency  Currency      `json:"currency"`
	Start     string        `json:"start"`
	End       string        `json:"end"`
	Total     float64       `json:"total"`
	Days      []DailyCost   `json:"days"`
}

// Validate checks that the trend holds exactly window consecutive days starting at Start.
func (t *CostTrend) Validate(window int) error {
	if len(t.Days) != window {
		return fmt.Errorf("trend has %d days, want %d", len(t.Days), window)
	}
	start, err := ParseDate(t.Start)
	if err != nil {
		return fmt.Errorf("invalid trend start %q: %w", t.Start, err)
	}
	for i, d := range t.Days {
		if want := FormatDate(start.AddDate(0, 0, i)); d.Date != want {
			return fmt.Errorf("trend day %d is %s, want %s", i, d.Date, want)
		}
	}
	return nil
}

// Payload is the normalized result of a query. Exactly one field is set.
type Payload struct {
	Summary *CostSummary `json:"summary,omitempty"`
	Trend   *CostTrend   `json:"trend,omitempty"`
}

// Validate checks the payload against the query that produced it.
func (p Payload) Validate(q CostQuery, tolerance float64) error {
	switch q.Kind {
	case QuerySummary:
		if p.Summary == nil || p.Trend != nil {
			return fmt.Errorf("summary query %s carries no summary", q)
		}
		return p.Summary.Validate(tolerance)
	case QueryTrend:
		if p.Trend == nil || p.Summary != nil {
			return fmt.Errorf("trend query %s carries no trend", q)
		}
		return p.Trend.Validate(q.Days())
	}
	return fmt.Errorf("unknown query kind %q", q.Kind)
}

// CacheEntry is a fetched payload and the moment it was fetched. Entries are
// replaced whole, never edited in place.
type CacheEntry struct {
	ID        string        `json:"id"`
	Query     CostQuery     `json:"query"`
	Payload   Payload       `json:"payload"`
	FetchedAt time.Time     `json:"fetched_at"`
	TTL       time.Duration `json:"ttl"`
}

// Fresh reports whether the entry is still inside its TTL at now.
func (e *CacheEntry) Fresh(now time.Time) bool {
	return now.Sub(e.FetchedAt) < e.TTL
}

// ExpiresAt is the instant the entry stops being fresh.
func (e *CacheEntry) ExpiresAt() time.Time {
	return e.FetchedAt.Add(e.TTL)
}

// CacheFilter narrows cache entry queries. Zero fields match everything.
type CacheFilter struct {
	AccountID string
	Kind      QueryKind
}

// Match reports whether e satisfies the filter.
func (f CacheFilter) Match(e *CacheEntry) bool {
	if f.AccountID != "" && e.Query.AccountID != f.AccountID {
		return false
	}
	if f.Kind != "" && e.Query.Kind != f.Kind {
		return false
	}
	return true
}
