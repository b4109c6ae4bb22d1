package aliyun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JetSquirrel/cloudbridge/internal/model"
	"github.com/JetSquirrel/cloudbridge/internal/provider"
	"github.com/JetSquirrel/cloudbridge/internal/signer"
)

var (
	now   = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	creds = model.Credentials{AccessKeyID: "LTAIexample", SecretAccessKey: "example-secret"}
	acct  = &model.CloudAccount{ID: "acct-b", Name: "cn", Provider: model.CloudProviderAliyun, Region: "cn-hangzhou"}
)

func newTestProvider(t *testing.T, srv *httptest.Server, opts Options) *Provider {
	t.Helper()
	cfg := provider.DefaultTransportConfig()
	cfg.Retry.Sleep = func(context.Context, time.Duration) error { return nil }
	cfg.Breaker.ConsecutiveFailures = 0

	opts.Endpoint = srv.URL
	p := NewProvider(opts, srv.Client(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.Transport().Now = func() time.Time { return now }
	return p
}

// verifySignature recomputes the signature the way the gateway does.
func verifySignature(t *testing.T, r *http.Request) {
	t.Helper()
	params := r.URL.Query()
	got := params.Get("Signature")
	params.Del("Signature")
	want := signer.HMACSHA1(creds.SecretAccessKey+"&", signer.StringToSign(r.Method, signer.CanonicalQuery(params)))
	assert.Equal(t, want, got)
}

func bill(cycle string, total int, items ...string) string {
	return fmt.Sprintf(`{"RequestId":"r","Code":"Success","Message":"Successful!","Success":true,
		"Data":{"BillingCycle":%q,"TotalCount":%d,"Items":{"Item":[%s]}}}`, cycle, total, strings.Join(items, ","))
}

func TestGetCostSummary(t *testing.T) {
	var (
		mu     sync.Mutex
		cycles []string
		nonces = map[string]bool{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r)
		q := r.URL.Query()
		assert.Equal(t, "QueryBillOverview", q.Get("Action"))
		assert.Equal(t, apiVersion, q.Get("Version"))
		assert.Equal(t, "2024-03-15T12:00:00Z", q.Get("Timestamp"))

		mu.Lock()
		cycles = append(cycles, q.Get("BillingCycle"))
		nonces[q.Get("SignatureNonce")] = true
		mu.Unlock()

		switch q.Get("BillingCycle") {
		case "2024-03":
			w.Write([]byte(bill("2024-03", 2,
				`{"ProductCode":"ecs","ProductName":"Elastic Compute Service","PretaxAmount":80,"Currency":"CNY"}`,
				`{"ProductCode":"oss","PretaxAmount":20,"Currency":"CNY"}`)))
		default:
			w.Write([]byte(bill("2024-02", 1,
				`{"ProductCode":"ecs","ProductName":"Elastic Compute Service","PretaxAmount":50,"Currency":"CNY"}`)))
		}
	}))
	defer srv.Close()

	s, err := newTestProvider(t, srv, Options{}).GetCostSummary(context.Background(), acct, creds, model.SummaryQuery(acct.ID, now))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"2024-03", "2024-02"}, cycles)
	assert.Len(t, nonces, 2, "every request carries a fresh nonce")
	assert.Equal(t, model.CurrencyCNY, s.Currency)
	assert.InDelta(t, 100.0, s.CurrentTotal, 1e-6)
	assert.InDelta(t, 50.0, s.PreviousTotal, 1e-6)
	assert.InDelta(t, 100.0, s.MonthOverMonth, 1e-6)
	require.Len(t, s.Services, 2)
	assert.Equal(t, "Elastic Compute Service", s.Services[0].Service)
	assert.Equal(t, "oss", s.Services[1].Service)
}

func TestGetCostTrend_PagesEveryCycle(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r)
		q := r.URL.Query()
		assert.Equal(t, "QueryAccountBill", q.Get("Action"))
		assert.Equal(t, "DAILY", q.Get("Granularity"))
		assert.Equal(t, "2", q.Get("PageSize"))

		mu.Lock()
		calls = append(calls, q.Get("BillingCycle")+"/"+q.Get("PageNum"))
		mu.Unlock()

		switch q.Get("BillingCycle") + "/" + q.Get("PageNum") {
		case "2024-02/1":
			w.Write([]byte(bill("2024-02", 3,
				`{"BillingDate":"2024-02-10","ProductCode":"ecs","PretaxAmount":99}`,
				`{"BillingDate":"2024-02-15","ProductCode":"ecs","PretaxAmount":1}`)))
		case "2024-02/2":
			w.Write([]byte(bill("2024-02", 3,
				`{"BillingDate":"2024-02-15","ProductCode":"oss","PretaxAmount":2}`)))
		default:
			w.Write([]byte(bill("2024-03", 1,
				`{"BillingDate":"2024-03-15","ProductCode":"ecs","PretaxAmount":4}`)))
		}
	}))
	defer srv.Close()

	q := model.TrendQuery(acct.ID, now, model.TrendWindowDays)
	trend, err := newTestProvider(t, srv, Options{PageSize: 2}).GetCostTrend(context.Background(), acct, creds, q)
	require.NoError(t, err)

	assert.Equal(t, []string{"2024-02/1", "2024-02/2", "2024-03/1"}, calls)
	require.NoError(t, trend.Validate(model.TrendWindowDays))
	assert.Equal(t, "2024-02-15", trend.Days[0].Date)
	assert.InDelta(t, 3.0, trend.Days[0].Amount, 1e-6)
	assert.InDelta(t, 4.0, trend.Days[29].Amount, 1e-6)
	assert.InDelta(t, 7.0, trend.Total, 1e-6, "days outside the window are dropped")
}

func TestGetCostSummary_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   model.ErrorKind
		hits   int32
	}{
		{"unknown key", http.StatusNotFound, `{"Code":"InvalidAccessKeyId.NotFound","Message":"Specified access key is not found."}`, model.KindAuth, 1},
		{"bad signature", http.StatusBadRequest, `{"Code":"SignatureDoesNotMatch"}`, model.KindAuth, 1},
		{"ram denied", http.StatusForbidden, `{"Code":"Forbidden.RAM"}`, model.KindAuth, 1},
		{"throttled", http.StatusBadRequest, `{"Code":"Throttling.User","Message":"Request was denied due to user flow control."}`, model.KindRateLimit, 3},
		{"server error", http.StatusServiceUnavailable, `{"Code":"ServiceUnavailable"}`, model.KindTransport, 3},
		{"bad parameter", http.StatusBadRequest, `{"Code":"InvalidParameter"}`, model.KindMalformedResponse, 1},
		{"unsuccessful 200", http.StatusOK, `{"Code":"InternalError","Success":false}`, model.KindMalformedResponse, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("BillingCycle") == "2024-03" {
					hits.Add(1)
					w.WriteHeader(tt.status)
					w.Write([]byte(tt.body))
					return
				}
				w.Write([]byte(bill("2024-02", 0)))
			}))
			defer srv.Close()

			_, err := newTestProvider(t, srv, Options{}).GetCostSummary(context.Background(), acct, creds, model.SummaryQuery(acct.ID, now))
			require.Error(t, err)
			assert.Equal(t, tt.kind, model.KindOf(err))
			assert.Equal(t, tt.hits, hits.Load())
		})
	}
}

func TestValidateCredentials(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			verifySignature(t, r)
			assert.Equal(t, "2024-03", r.URL.Query().Get("BillingCycle"))
			w.Write([]byte(bill("2024-03", 0)))
		}))
		defer srv.Close()

		ok, err := newTestProvider(t, srv, Options{}).ValidateCredentials(context.Background(), acct, creds)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("rejected key", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"Code":"InvalidAccessKeyId.NotFound"}`))
		}))
		defer srv.Close()

		ok, err := newTestProvider(t, srv, Options{}).ValidateCredentials(context.Background(), acct, creds)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("empty secret", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
		}))
		defer srv.Close()

		ok, err := newTestProvider(t, srv, Options{}).ValidateCredentials(context.Background(), acct,
			model.Credentials{AccessKeyID: "LTAIexample"})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, hits.Load())
	})

	t.Run("throttled is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"Code":"Throttling"}`))
		}))
		defer srv.Close()

		ok, err := newTestProvider(t, srv, Options{}).ValidateCredentials(context.Background(), acct, creds)
		assert.False(t, ok)
		assert.True(t, errors.Is(err, model.ErrRateLimit))
	})
}
