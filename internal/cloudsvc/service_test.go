package cloudsvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JetSquirrel/cloudbridge/internal/cache"
	"github.com/JetSquirrel/cloudbridge/internal/credstore"
	"github.com/JetSquirrel/cloudbridge/internal/model"
	"github.com/JetSquirrel/cloudbridge/internal/normalize"
	"github.com/JetSquirrel/cloudbridge/internal/provider"
	aliyunprovider "github.com/JetSquirrel/cloudbridge/internal/provider/aliyun"
	awsprovider "github.com/JetSquirrel/cloudbridge/internal/provider/aws"
	"github.com/JetSquirrel/cloudbridge/internal/repository"
)

var testCreds = model.Credentials{AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY"}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type stubProvider struct {
	tag      model.CloudProvider
	currency model.Currency
	// amounts is the current month spend by account name. Unlisted accounts spend 10.
	amounts map[string]float64

	mu            sync.Mutex
	summaryCalls  int
	trendCalls    int
	validateCalls int
	valid         bool
	validateErr   error
	err           error
	seen          []model.Credentials
}

func newStub(tag model.CloudProvider, currency model.Currency) *stubProvider {
	return &stubProvider{tag: tag, currency: currency, valid: true, amounts: map[string]float64{}}
}

func (p *stubProvider) Type() model.CloudProvider { return p.tag }
func (p *stubProvider) Close() error              { return nil }

func (p *stubProvider) ValidateCredentials(_ context.Context, _ *model.CloudAccount, creds model.Credentials) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.validateCalls++
	p.seen = append(p.seen, creds)
	return p.valid, p.validateErr
}

func (p *stubProvider) GetCostSummary(_ context.Context, acct *model.CloudAccount, creds model.Credentials, q model.CostQuery) (*model.CostSummary, error) {
	p.mu.Lock()
	p.summaryCalls++
	p.seen = append(p.seen, creds)
	err := p.err
	amount, ok := p.amounts[acct.Name]
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		amount = 10
	}
	cur, prev, _ := q.Periods()
	return &model.CostSummary{
		AccountID:        acct.ID,
		Provider:         p.tag,
		Currency:         p.currency,
		CurrentStart:     model.FormatDate(cur.Start),
		CurrentEnd:       model.FormatDate(cur.End),
		PreviousStart:    model.FormatDate(prev.Start),
		PreviousEnd:      model.FormatDate(prev.End),
		CurrentTotal:     amount,
		PreviousTotal:    amount / 2,
		MonthOverMonth:   100,
		Services:         []model.ServiceCost{{Service: "Compute", Amount: amount, Currency: p.currency}},
		PreviousServices: []model.ServiceCost{{Service: "Compute", Amount: amount / 2, Currency: p.currency}},
	}, nil
}

func (p *stubProvider) GetCostTrend(_ context.Context, acct *model.CloudAccount, creds model.Credentials, q model.CostQuery) (*model.CostTrend, error) {
	p.mu.Lock()
	p.trendCalls++
	p.seen = append(p.seen, creds)
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	start, _, _ := q.Range()
	return &model.CostTrend{
		AccountID: acct.ID,
		Provider:  p.tag,
		Currency:  p.currency,
		Start:     q.Start,
		End:       q.End,
		Days:      normalize.FillWindow(start, q.Days(), nil),
	}, nil
}

func (p *stubProvider) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *stubProvider) calls() (summary, trend int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summaryCalls, p.trendCalls
}

type fixture struct {
	svc      *Service
	clock    *clock
	accounts *repository.MemoryAccountRepository
	creds    *credstore.Store
	cache    *cache.Manager
}

func newFixture(t *testing.T, providers ...provider.Provider) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := &clock{t: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)}

	accounts := repository.NewMemoryAccountRepository()
	store, err := credstore.New(repository.NewMemoryCredentialRepository(), "test-master-key", logger)
	require.NoError(t, err)

	registry := provider.NewRegistry()
	for _, p := range providers {
		registry.Register(p)
	}
	cm := cache.NewManager(repository.NewMemoryCacheRepository(), cache.Options{Now: clk.Now}, logger)
	t.Cleanup(func() { cm.Close() })

	return &fixture{
		svc:      New(accounts, store, registry, cm, Options{Now: clk.Now}, logger),
		clock:    clk,
		accounts: accounts,
		creds:    store,
		cache:    cm,
	}
}

func (f *fixture) add(t *testing.T, name string, tag model.CloudProvider) *model.CloudAccount {
	t.Helper()
	acct, err := f.svc.AddAccount(context.Background(), AddAccountRequest{
		Name:        name,
		Provider:    string(tag),
		Region:      "us-east-1",
		Credentials: testCreds,
	})
	require.NoError(t, err)
	return acct
}

func TestAddAccount(t *testing.T) {
	ctx := context.Background()
	stub := newStub(model.CloudProviderAWS, model.CurrencyUSD)
	f := newFixture(t, stub)

	acct := f.add(t, " prod ", model.CloudProviderAWS)
	assert.NotEmpty(t, acct.ID)
	assert.Equal(t, "prod", acct.Name)
	assert.True(t, acct.Enabled)
	assert.Equal(t, f.clock.Now(), acct.CreatedAt)
	assert.Equal(t, 1, stub.validateCalls)
	assert.Equal(t, testCreds, stub.seen[0])

	stored, err := f.svc.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	creds, err := f.creds.Get(ctx, stored.CredentialRef)
	require.NoError(t, err)
	assert.Equal(t, testCreds, creds)

	t.Run("rejected credentials", func(t *testing.T) {
		stub.valid = false
		defer func() { stub.valid = true }()

		_, err := f.svc.AddAccount(ctx, AddAccountRequest{Name: "bad", Provider: "aws", Credentials: testCreds})
		assert.True(t, errors.Is(err, model.ErrAuth))

		list, err := f.svc.ListAccounts(ctx, model.AccountFilter{})
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("provider unreachable", func(t *testing.T) {
		stub.validateErr = model.Errorf(model.KindTransport, "sts", "connection refused")
		defer func() { stub.validateErr = nil }()

		_, err := f.svc.AddAccount(ctx, AddAccountRequest{Name: "down", Provider: "aws", Credentials: testCreds})
		assert.True(t, errors.Is(err, model.ErrTransport))
	})

	t.Run("skip validation", func(t *testing.T) {
		before := stub.validateCalls
		_, err := f.svc.AddAccount(ctx, AddAccountRequest{Name: "offline", Provider: "amazon", Credentials: testCreds, SkipValidation: true})
		require.NoError(t, err)
		assert.Equal(t, before, stub.validateCalls)
	})

	tests := []struct {
		name string
		req  AddAccountRequest
		want error
	}{
		{"missing name", AddAccountRequest{Provider: "aws", Credentials: testCreds}, model.ErrInvalidInput},
		{"unknown provider", AddAccountRequest{Name: "x", Provider: "oracle", Credentials: testCreds}, model.ErrInvalidInput},
		{"missing secret", AddAccountRequest{Name: "x", Provider: "aws", Credentials: model.Credentials{AccessKeyID: "AKID"}}, model.ErrInvalidInput},
		{"no client", AddAccountRequest{Name: "x", Provider: "azure", Credentials: testCreds}, model.ErrUnsupportedProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.AddAccount(ctx, tt.req)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestGetCostSummary_CachesUntilStale(t *testing.T) {
	ctx := context.Background()
	stub := newStub(model.CloudProviderAWS, model.CurrencyUSD)
	stub.amounts["prod"] = 42
	f := newFixture(t, stub)
	acct := f.add(t, "prod", model.CloudProviderAWS)

	res, err := f.svc.GetCostSummary(ctx, acct.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 42.0, res.Summary.CurrentTotal)
	assert.Equal(t, "2024-03-01", res.Summary.CurrentStart)
	assert.False(t, res.Stale)
	assert.Equal(t, f.clock.Now().Add(cache.DefaultTTL), res.ExpiresAt)

	synced, err := f.svc.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	require.NotNil(t, synced.LastSyncedAt)
	assert.True(t, f.clock.Now().Equal(*synced.LastSyncedAt))

	f.clock.Advance(2 * time.Hour)
	_, err = f.svc.GetCostSummary(ctx, acct.ID, false)
	require.NoError(t, err)
	calls, _ := stub.calls()
	assert.Equal(t, 1, calls, "fresh entry is served without a provider call")

	f.clock.Advance(5 * time.Hour)
	_, err = f.svc.GetCostSummary(ctx, acct.ID, false)
	require.NoError(t, err)
	calls, _ = stub.calls()
	assert.Equal(t, 2, calls)

	_, err = f.svc.GetCostSummary(ctx, acct.ID, true)
	require.NoError(t, err)
	calls, _ = stub.calls()
	assert.Equal(t, 3, calls)
}

func TestGetCostSummary_FailureKeepsLastGood(t *testing.T) {
	ctx := context.Background()
	stub := newStub(model.CloudProviderAWS, model.CurrencyUSD)
	f := newFixture(t, stub)
	acct := f.add(t, "prod", model.CloudProviderAWS)

	_, err := f.svc.GetCostSummary(ctx, acct.ID, false)
	require.NoError(t, err)

	f.clock.Advance(7 * time.Hour)
	stub.setErr(model.Errorf(model.KindRateLimit, "GetCostAndUsage", "throttled"))

	_, err = f.svc.GetCostSummary(ctx, acct.ID, false)
	assert.True(t, errors.Is(err, model.ErrRateLimit))

	cached, ok := f.svc.CachedSummary(acct.ID)
	require.True(t, ok)
	assert.True(t, cached.Stale)
	assert.Equal(t, 10.0, cached.Summary.CurrentTotal)
}

func TestGetCostTrend(t *testing.T) {
	ctx := context.Background()
	stub := newStub(model.CloudProviderAliyun, model.CurrencyCNY)
	f := newFixture(t, stub)
	acct := f.add(t, "cn", model.CloudProviderAliyun)

	_, ok := f.svc.CachedTrend(acct.ID)
	assert.False(t, ok)

	res, err := f.svc.GetCostTrend(ctx, acct.ID, false)
	require.NoError(t, err)
	require.Len(t, res.Trend.Days, model.TrendWindowDays)
	assert.Equal(t, "2024-02-15", res.Trend.Days[0].Date)
	assert.Equal(t, "2024-03-15", res.Trend.Days[model.TrendWindowDays-1].Date)

	_, err = f.svc.GetCostTrend(ctx, acct.ID, false)
	require.NoError(t, err)
	_, trend := stub.calls()
	assert.Equal(t, 1, trend)

	cached, ok := f.svc.CachedTrend(acct.ID)
	require.True(t, ok)
	assert.False(t, cached.Stale)
}

func TestGetCost_Errors(t *testing.T) {
	ctx := context.Background()
	stub := newStub(model.CloudProviderAWS, model.CurrencyUSD)
	f := newFixture(t, stub)

	_, err := f.svc.GetCostSummary(ctx, "nope", false)
	assert.True(t, errors.Is(err, model.ErrAccountNotFound))

	orphan := model.NewCloudAccount("orphan", model.CloudProviderAWS, "")
	orphan.CredentialRef = "cred-missing"
	require.NoError(t, f.accounts.Upsert(ctx, orphan))

	_, err = f.svc.GetCostTrend(ctx, orphan.ID, false)
	assert.True(t, errors.Is(err, model.ErrCredentialNotFound))

	_, err = f.svc.Validate(ctx, orphan.ID)
	assert.True(t, errors.Is(err, model.ErrCredentialNotFound))

	summary, trend := stub.calls()
	assert.Zero(t, summary+trend)
}

func TestRemoveAccount(t *testing.T) {
	ctx := context.Background()
	stub := newStub(model.CloudProviderAWS, model.CurrencyUSD)
	f := newFixture(t, stub)
	acct := f.add(t, "prod", model.CloudProviderAWS)

	_, err := f.svc.GetCostSummary(ctx, acct.ID, false)
	require.NoError(t, err)
	_, err = f.svc.GetCostTrend(ctx, acct.ID, false)
	require.NoError(t, err)

	require.NoError(t, f.svc.RemoveAccount(ctx, acct.ID))

	_, err = f.svc.GetAccount(ctx, acct.ID)
	assert.True(t, errors.Is(err, model.ErrAccountNotFound))
	_, err = f.creds.Get(ctx, acct.CredentialRef)
	assert.True(t, errors.Is(err, model.ErrCredentialNotFound))
	assert.Empty(t, f.cache.Entries(model.CacheFilter{AccountID: acct.ID}))

	err = f.svc.RemoveAccount(ctx, acct.ID)
	assert.True(t, errors.Is(err, model.ErrAccountNotFound))
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	stub := newStub(model.CloudProviderAWS, model.CurrencyUSD)
	f := newFixture(t, stub)
	acct := f.add(t, "prod", model.CloudProviderAWS)

	ok, err := f.svc.Validate(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, testCreds, stub.seen[len(stub.seen)-1])

	stub.valid = false
	ok, err = f.svc.Validate(ctx, acct.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.svc.ValidateCredentials(ctx, model.CloudProviderAWS, "us-east-1", testCreds)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.svc.ValidateCredentials(ctx, model.CloudProviderGCP, "", testCreds)
	assert.True(t, errors.Is(err, model.ErrUnsupportedProvider))
}

func TestRollup(t *testing.T) {
	ctx := context.Background()
	aws := newStub(model.CloudProviderAWS, model.CurrencyUSD)
	aws.amounts["prod"] = 100
	aws.amounts["dev"] = 20.5
	aliyun := newStub(model.CloudProviderAliyun, model.CurrencyCNY)
	aliyun.amounts["cn"] = 50
	f := newFixture(t, aws, aliyun)

	f.add(t, "prod", model.CloudProviderAWS)
	f.add(t, "dev", model.CloudProviderAWS)
	f.add(t, "cn", model.CloudProviderAliyun)

	disabled, err := f.svc.SetEnabled(ctx, f.add(t, "archived", model.CloudProviderAWS).ID, false)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)
	enabled, err := f.svc.ListAccounts(ctx, model.AccountFilter{EnabledOnly: true})
	require.NoError(t, err)
	assert.Len(t, enabled, 3)

	broken := model.NewCloudAccount("broken", model.CloudProviderAWS, "")
	broken.CredentialRef = "cred-missing"
	broken.CreatedAt = f.clock.Now().Add(time.Minute)
	require.NoError(t, f.accounts.Upsert(ctx, broken))

	r, err := f.svc.Rollup(ctx, false)
	require.NoError(t, err)

	require.Len(t, r.Accounts, 4)
	assert.Equal(t, 1, r.Failed)
	for _, line := range r.Accounts {
		assert.NotEqual(t, disabled.ID, line.AccountID)
		if line.AccountID == broken.ID {
			assert.Nil(t, line.Summary)
			assert.Equal(t, model.KindCredentialNotFound, line.ErrorKind)
			assert.Equal(t, model.KindCredentialNotFound.UserMessage(), line.Error)
		}
	}

	require.Len(t, r.Totals, 2)
	assert.Equal(t, model.CurrencyCNY, r.Totals[0].Currency)
	assert.Equal(t, 50.0, r.Totals[0].CurrentTotal)
	assert.Equal(t, 1, r.Totals[0].Accounts)

	assert.Equal(t, model.CurrencyUSD, r.Totals[1].Currency)
	assert.InDelta(t, 120.5, r.Totals[1].CurrentTotal, 1e-9)
	assert.InDelta(t, 60.25, r.Totals[1].PreviousTotal, 1e-9)
	assert.InDelta(t, 100.0, r.Totals[1].MonthOverMonth, 1e-9)
	assert.Equal(t, 2, r.Totals[1].Accounts)

	// A second rollup within the TTL is served from the cache.
	_, err = f.svc.Rollup(ctx, false)
	require.NoError(t, err)
	summary, _ := aws.calls()
	assert.Equal(t, 2, summary)
}

func TestClearCache(t *testing.T) {
	ctx := context.Background()
	stub := newStub(model.CloudProviderAWS, model.CurrencyUSD)
	f := newFixture(t, stub)
	a := f.add(t, "a", model.CloudProviderAWS)
	b := f.add(t, "b", model.CloudProviderAWS)

	for _, id := range []string{a.ID, b.ID} {
		_, err := f.svc.GetCostSummary(ctx, id, false)
		require.NoError(t, err)
		_, err = f.svc.GetCostTrend(ctx, id, false)
		require.NoError(t, err)
	}

	n, err := f.svc.ClearAccountCache(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, ok := f.svc.CachedSummary(a.ID)
	assert.False(t, ok)
	_, ok = f.svc.CachedSummary(b.ID)
	assert.True(t, ok)

	_, err = f.svc.ClearAccountCache(ctx, "nope")
	assert.True(t, errors.Is(err, model.ErrAccountNotFound))

	n, err = f.svc.ClearAllCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, f.cache.Entries(model.CacheFilter{}))
}

func TestNotifyStaleAndRefresh(t *testing.T) {
	ctx := context.Background()
	stub := newStub(model.CloudProviderAWS, model.CurrencyUSD)
	f := newFixture(t, stub)
	acct := f.add(t, "prod", model.CloudProviderAWS)

	var notified []model.CostQuery
	f.svc.OnRefreshNeeded(func(q model.CostQuery) { notified = append(notified, q) })

	_, err := f.svc.GetCostSummary(ctx, acct.ID, false)
	require.NoError(t, err)
	assert.Empty(t, f.svc.NotifyStale())

	f.clock.Advance(7 * time.Hour)
	stale := f.svc.NotifyStale()
	require.Len(t, stale, 1)
	assert.Equal(t, stale, notified)
	assert.Empty(t, f.svc.NotifyStale(), "an entry is reported once")

	require.NoError(t, f.svc.Refresh(ctx, stale[0]))
	summary, _ := stub.calls()
	assert.Equal(t, 2, summary)

	err = f.svc.Refresh(ctx, model.CostQuery{AccountID: acct.ID, Kind: "forecast"})
	assert.True(t, errors.Is(err, model.ErrInvalidInput))
}

func TestStart_Rehydrates(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := &clock{t: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)}
	store := repository.NewMemoryCacheRepository()

	q := model.SummaryQuery("acct-1", clk.Now())
	require.NoError(t, store.Upsert(ctx, &model.CacheEntry{
		ID:    "e1",
		Query: q,
		Payload: model.Payload{Summary: &model.CostSummary{
			AccountID: "acct-1", Currency: model.CurrencyUSD, CurrentTotal: 5,
			Services: []model.ServiceCost{{Service: "S3", Amount: 5}},
		}},
		FetchedAt: clk.Now().Add(-time.Hour),
		TTL:       cache.DefaultTTL,
	}))

	cm := cache.NewManager(store, cache.Options{Now: clk.Now}, logger)
	defer cm.Close()
	svc := New(repository.NewMemoryAccountRepository(), nil, provider.NewRegistry(), cm, Options{Now: clk.Now}, logger)
	require.NoError(t, svc.Start(ctx))

	res, ok := svc.CachedSummary("acct-1")
	require.True(t, ok)
	assert.False(t, res.Stale)
	assert.Equal(t, 5.0, res.Summary.CurrentTotal)
}

const awsSummaryPage = `{"ResultsByTime":[
  {"TimePeriod":{"Start":"2024-02-01","End":"2024-03-01"},"Groups":[
    {"Keys":["Amazon Elastic Compute Cloud - Compute"],"Metrics":{"UnblendedCost":{"Amount":"100","Unit":"USD"}}}]},
  {"TimePeriod":{"Start":"2024-03-01","End":"2024-03-16"},"Groups":[
    {"Keys":["Amazon Elastic Compute Cloud - Compute"],"Metrics":{"UnblendedCost":{"Amount":"40","Unit":"USD"}}},
    {"Keys":["Amazon Simple Storage Service"],"Metrics":{"UnblendedCost":{"Amount":"10","Unit":"USD"}}}]}]}`

const awsCallerIdentity = `<GetCallerIdentityResponse xmlns="https://sts.amazonaws.com/doc/2011-06-15/">
  <GetCallerIdentityResult><Account>123456789012</Account></GetCallerIdentityResult>
</GetCallerIdentityResponse>`

func TestService_AWSEndToEnd(t *testing.T) {
	ctx := context.Background()
	var ceCalls, stsCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			stsCalls.Add(1)
			w.Write([]byte(awsCallerIdentity))
			return
		}
		ceCalls.Add(1)
		w.Write([]byte(awsSummaryPage))
	}))
	defer srv.Close()

	cfg := provider.DefaultTransportConfig()
	cfg.Retry.Sleep = func(context.Context, time.Duration) error { return nil }
	p := awsprovider.NewProvider(awsprovider.Options{CostExplorerEndpoint: srv.URL, STSEndpoint: srv.URL},
		srv.Client(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	f := newFixture(t, p)
	p.Transport().Now = f.clock.Now
	acct := f.add(t, "prod", model.CloudProviderAWS)
	assert.Equal(t, int32(1), stsCalls.Load())

	res, err := f.svc.GetCostSummary(ctx, acct.ID, false)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, res.Summary.CurrentTotal, 1e-6)
	assert.InDelta(t, 100.0, res.Summary.PreviousTotal, 1e-6)
	assert.InDelta(t, -50.0, res.Summary.MonthOverMonth, 1e-6)
	require.NoError(t, res.Summary.Validate(cache.DefaultTolerance))

	_, err = f.svc.GetCostSummary(ctx, acct.ID, false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), ceCalls.Load())
}

func aliyunOverview(cycle string, amount float64) string {
	return fmt.Sprintf(`{"RequestId":"r","Code":"Success","Message":"Successful!","Success":true,
		"Data":{"BillingCycle":%q,"TotalCount":1,"Items":{"Item":[{"ProductCode":"ecs","ProductName":"Elastic Compute Service","PretaxAmount":%g,"Currency":"CNY"}]}}}`, cycle, amount)
}

func TestService_AliyunEndToEnd(t *testing.T) {
	ctx := context.Background()
	var signed atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("Signature") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		signed.Add(1)
		assert.Equal(t, "QueryBillOverview", q.Get("Action"))
		if q.Get("BillingCycle") == "2024-03" {
			w.Write([]byte(aliyunOverview("2024-03", 100)))
			return
		}
		w.Write([]byte(aliyunOverview("2024-02", 50)))
	}))
	defer srv.Close()

	cfg := provider.DefaultTransportConfig()
	cfg.Retry.Sleep = func(context.Context, time.Duration) error { return nil }
	p := aliyunprovider.NewProvider(aliyunprovider.Options{Endpoint: srv.URL},
		srv.Client(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	f := newFixture(t, p)
	p.Transport().Now = f.clock.Now
	acct := f.add(t, "cn", model.CloudProviderAliyun)
	require.Equal(t, int32(1), signed.Load(), "validation queries the current cycle")

	res, err := f.svc.GetCostSummary(ctx, acct.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.CurrencyCNY, res.Summary.Currency)
	assert.InDelta(t, 100.0, res.Summary.CurrentTotal, 1e-6)
	assert.InDelta(t, 50.0, res.Summary.PreviousTotal, 1e-6)
	assert.InDelta(t, 100.0, res.Summary.MonthOverMonth, 1e-6)
	require.NoError(t, res.Summary.Validate(cache.DefaultTolerance))
	assert.Equal(t, int32(3), signed.Load())

	// Past the TTL, concurrent readers share one signed refetch of both cycles.
	f.clock.Advance(7 * time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.GetCostSummary(ctx, acct.ID, false)
			if assert.NoError(t, err) {
				assert.False(t, res.Stale)
				assert.InDelta(t, 100.0, res.Summary.CurrentTotal, 1e-6)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), signed.Load())

	_, err = f.svc.GetCostSummary(ctx, acct.ID, false)
	require.NoError(t, err)
	assert.Equal(t, int32(5), signed.Load(), "refreshed entry is served from the cache")
}
