package cloudsvc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/JetSquirrel/cloudbridge/internal/model"
	"github.com/JetSquirrel/cloudbridge/internal/normalize"
)

// AccountCost is one account's line in a rollup. Exactly one of Summary and
// Error is set.
type AccountCost struct {
	AccountID string              `json:"account_id"`
	Name      string              `json:"name"`
	Provider  model.CloudProvider `json:"provider"`
	Summary   *model.CostSummary  `json:"summary,omitempty"`
	FetchedAt *time.Time          `json:"fetched_at,omitempty"`
	Error     string              `json:"error,omitempty"`
	ErrorKind model.ErrorKind     `json:"error_kind,omitempty"`
}

// CurrencyTotal sums the summaries billed in one currency. Amounts in
// different currencies are never added together.
type CurrencyTotal struct {
	Currency       model.Currency `json:"currency"`
	CurrentTotal   float64        `json:"current_total"`
	PreviousTotal  float64        `json:"previous_total"`
	MonthOverMonth float64        `json:"month_over_month"`
	Accounts       int            `json:"accounts"`
}

// Rollup is the cross-account month to date view.
type Rollup struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Totals      []CurrencyTotal `json:"totals"`
	Accounts    []AccountCost   `json:"accounts"`
	Failed      int             `json:"failed"`
}

// Rollup summarizes every enabled account concurrently. A failing account is
// reported in its line and does not fail the rollup.
func (s *Service) Rollup(ctx context.Context, force bool) (*Rollup, error) {
	accounts, err := s.accounts.List(ctx, model.AccountFilter{EnabledOnly: true})
	if err != nil {
		return nil, fmt.Errorf("cloudsvc: list accounts: %w", err)
	}

	lines := make([]AccountCost, len(accounts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.rollupConcurrency)
	for i, acct := range accounts {
		g.Go(func() error {
			line := AccountCost{AccountID: acct.ID, Name: acct.Name, Provider: acct.Provider}
			res, err := s.GetCostSummary(gctx, acct.ID, force)
			if err != nil {
				kind := model.KindOf(err)
				line.ErrorKind = kind
				line.Error = kind.UserMessage()
				s.logger.Warn("rollup: account failed", "account_id", acct.ID, "kind", kind, "error", err)
			} else {
				line.Summary = res.Summary
				fetched := res.FetchedAt
				line.FetchedAt = &fetched
			}
			lines[i] = line
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &Rollup{
		GeneratedAt: s.now().UTC(),
		Totals:      totalsByCurrency(lines),
		Accounts:    lines,
	}
	out.Failed = lo.CountBy(lines, func(l AccountCost) bool { return l.Summary == nil })
	return out, nil
}

func totalsByCurrency(lines []AccountCost) []CurrencyTotal {
	type acc struct {
		cur, prev decimal.Decimal
		n         int
	}
	sums := make(map[model.Currency]*acc)
	for _, l := range lines {
		if l.Summary == nil {
			continue
		}
		a, ok := sums[l.Summary.Currency]
		if !ok {
			a = &acc{}
			sums[l.Summary.Currency] = a
		}
		a.cur = a.cur.Add(decimal.NewFromFloat(l.Summary.CurrentTotal))
		a.prev = a.prev.Add(decimal.NewFromFloat(l.Summary.PreviousTotal))
		a.n++
	}

	totals := lo.MapToSlice(sums, func(c model.Currency, a *acc) CurrencyTotal {
		cur, _ := a.cur.Float64()
		prev, _ := a.prev.Float64()
		return CurrencyTotal{
			Currency:       c,
			CurrentTotal:   cur,
			PreviousTotal:  prev,
			MonthOverMonth: normalize.MonthOverMonth(cur, prev),
			Accounts:       a.n,
		}
	})
	sort.Slice(totals, func(i, j int) bool { return totals[i].Currency < totals[j].Currency })
	return totals
}
