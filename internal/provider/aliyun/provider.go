// Package aliyun provides the Alibaba Cloud cost provider built on the BSS
// OpenAPI (business.aliyuncs.com, version 2017-12-14).
package aliyun

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JetSquirrel/cloudbridge/internal/model"
	"github.com/JetSquirrel/cloudbridge/internal/normalize"
	"github.com/JetSquirrel/cloudbridge/internal/provider"
	"github.com/JetSquirrel/cloudbridge/internal/signer"
)

const (
	defaultEndpoint = "https://business.aliyuncs.com"
	apiVersion      = "2017-12-14"
	cycleLayout     = "2006-01"

	defaultPageSize = 300
	defaultMaxPages = 50
)

// Options overrides the endpoint and paging limits.
type Options struct {
	Endpoint string
	PageSize int
	MaxPages int
}

// Provider implements provider.Provider for Alibaba Cloud.
type Provider struct {
	opts      Options
	signer    signer.Alibaba
	transport *provider.Transport
	logger    *slog.Logger

	// NewNonce returns the SignatureNonce for each attempt.
	NewNonce func() string
}

// NewProvider creates a new Alibaba Cloud provider.
func NewProvider(opts Options, client *http.Client, tcfg provider.TransportConfig, logger *slog.Logger) *Provider {
	if opts.Endpoint == "" {
		opts.Endpoint = defaultEndpoint
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	return &Provider{
		opts:      opts,
		transport: provider.NewTransport(model.CloudProviderAliyun, client, tcfg, logger),
		logger:    logger.With("component", "provider", "provider", "aliyun"),
		NewNonce:  uuid.NewString,
	}
}

// Transport exposes the underlying transport, mainly to pin its clock in tests.
func (p *Provider) Transport() *provider.Transport { return p.transport }

// Type returns the provider type.
func (p *Provider) Type() model.CloudProvider {
	return model.CloudProviderAliyun
}

// ValidateCredentials queries the bill overview of the current cycle.
func (p *Provider) ValidateCredentials(ctx context.Context, acct *model.CloudAccount, creds model.Credentials) (bool, error) {
	cycle := p.transport.Now().UTC().Format(cycleLayout)
	body, err := p.call(ctx, creds, "QueryBillOverview", url.Values{"BillingCycle": {cycle}})
	if err != nil {
		switch model.KindOf(err) {
		case model.KindAuth, model.KindSigning:
			p.logger.Info("credentials rejected", "access_key", model.MaskKey(creds.AccessKeyID), "error", err)
			return false, nil
		}
		return false, err
	}
	if _, err := normalize.DecodeAliyunBill("QueryBillOverview", body); err != nil {
		return false, err
	}
	return true, nil
}

// GetCostSummary fetches the bill overview of the current and previous cycle.
func (p *Provider) GetCostSummary(ctx context.Context, acct *model.CloudAccount, creds model.Credentials, q model.CostQuery) (*model.CostSummary, error) {
	cur, prev, err := q.Periods()
	if err != nil {
		return nil, model.NewError(model.KindInvalidInput, "GetCostSummary", err)
	}

	var current, previous []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		current, err = p.overview(gctx, creds, cur.Start)
		return err
	})
	g.Go(func() error {
		var err error
		previous, err = p.overview(gctx, creds, prev.Start)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return normalize.AliyunSummary(q, current, previous)
}

// GetCostTrend pages through the daily account bill of every cycle the window touches.
func (p *Provider) GetCostTrend(ctx context.Context, acct *model.CloudAccount, creds model.Credentials, q model.CostQuery) (*model.CostTrend, error) {
	start, end, err := q.Range()
	if err != nil {
		return nil, model.NewError(model.KindInvalidInput, "GetCostTrend", err)
	}

	var pages [][]byte
	for cycle := model.MonthStart(start); !cycle.After(end); cycle = cycle.AddDate(0, 1, 0) {
		cyclePages, err := p.accountBill(ctx, creds, cycle)
		if err != nil {
			return nil, err
		}
		pages = append(pages, cyclePages...)
	}

	return normalize.AliyunTrend(q, pages...)
}

// Close cleans up provider resources.
func (p *Provider) Close() error {
	return nil
}

func (p *Provider) overview(ctx context.Context, creds model.Credentials, cycle time.Time) ([]byte, error) {
	return p.call(ctx, creds, "QueryBillOverview", url.Values{"BillingCycle": {cycle.Format(cycleLayout)}})
}

func (p *Provider) accountBill(ctx context.Context, creds model.Credentials, cycle time.Time) ([][]byte, error) {
	const op = "QueryAccountBill"

	var pages [][]byte
	seen := 0
	for page := 1; page <= p.opts.MaxPages; page++ {
		body, err := p.call(ctx, creds, op, url.Values{
			"BillingCycle": {cycle.Format(cycleLayout)},
			"Granularity":  {"DAILY"},
			"PageNum":      {strconv.Itoa(page)},
			"PageSize":     {strconv.Itoa(p.opts.PageSize)},
		})
		if err != nil {
			return nil, err
		}
		pages = append(pages, body)

		resp, err := normalize.DecodeAliyunBill(op, body)
		if err != nil {
			return nil, err
		}
		n := len(resp.Data.Items.Item)
		seen += n
		if n == 0 || n < p.opts.PageSize || seen >= resp.Data.TotalCount {
			return pages, nil
		}
	}

	p.logger.Warn("account bill pagination limit reached", "cycle", cycle.Format(cycleLayout), "pages", p.opts.MaxPages)
	return pages, nil
}

func (p *Provider) call(ctx context.Context, creds model.Credentials, action string, params url.Values) ([]byte, error) {
	return p.transport.Do(ctx, provider.Call{
		Op: action,
		Sign: func(now time.Time) (*signer.Signed, error) {
			return p.signer.Sign(signer.Descriptor{
				Method:   http.MethodGet,
				Endpoint: p.opts.Endpoint,
				Path:     "/",
				Query:    params,
				Action:   action,
				Version:  apiVersion,
				Nonce:    p.NewNonce(),
			}, creds, now)
		},
		Classify: classify(action),
	})
}

var (
	authCodes = []string{
		"InvalidAccessKeyId", "SignatureDoesNotMatch", "IncompleteSignature",
		"Forbidden", "InvalidSecurityToken", "NoPermission",
	}
	throttleCodes = []string{"Throttling"}
)

// classify reads {"Code": "...", "Message": "..."} error bodies. A 2xx body that
// reports failure is left to the normalizer.
func classify(op string) provider.Classifier {
	return func(status int, header http.Header, body []byte) error {
		if status >= 200 && status < 300 {
			return nil
		}
		var env normalize.AliyunEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return provider.ClassifyStatus(model.CloudProviderAliyun, op, status, header, "", provider.Snippet(body))
		}
		e := provider.ClassifyStatus(model.CloudProviderAliyun, op, status, header, env.Code, env.Message)
		switch {
		case hasPrefix(env.Code, authCodes):
			e.Kind = model.KindAuth
		case hasPrefix(env.Code, throttleCodes):
			e.Kind = model.KindRateLimit
		}
		return e
	}
}

func hasPrefix(code string, prefixes []string) bool {
	if code == "" {
		return false
	}
	for _, p := range prefixes {
		if strings.HasPrefix(code, p) {
			return true
		}
	}
	return false
}

var _ provider.Provider = (*Provider)(nil)
