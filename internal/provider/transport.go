package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/JetSquirrel/cloudbridge/internal/metrics"
	"github.com/JetSquirrel/cloudbridge/internal/model"
	"github.com/JetSquirrel/cloudbridge/internal/signer"
)

// maxBodySize bounds how much of a provider response is read.
const maxBodySize = 16 << 20

// BreakerConfig configures the per-provider circuit breaker.
type BreakerConfig struct {
	// ConsecutiveFailures opens the breaker. Zero disables tripping.
	ConsecutiveFailures uint32
	// HalfOpenRequests is how many trial requests pass while half-open.
	HalfOpenRequests uint32
	// OpenTimeout is how long the breaker stays open.
	OpenTimeout time.Duration
	// Interval clears closed-state counts. Zero never clears them.
	Interval time.Duration
}

// TransportConfig holds the knobs shared by every provider client.
type TransportConfig struct {
	Timeout time.Duration
	Retry   RetryPolicy
	Breaker BreakerConfig
}

// DefaultTransportConfig returns 30s calls, the default retry policy and a
// breaker that opens after five transport failures in a row.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Timeout: 30 * time.Second,
		Retry:   DefaultRetryPolicy(),
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			HalfOpenRequests:    1,
			OpenTimeout:         60 * time.Second,
		},
	}
}

// Classifier inspects a response and returns an error to reject it.
type Classifier func(status int, header http.Header, body []byte) error

// Call is one logical provider API call.
type Call struct {
	Op string
	// Sign produces a freshly signed request for each attempt.
	Sign     func(now time.Time) (*signer.Signed, error)
	Classify Classifier
}

// Transport sends signed requests with a per-call timeout, retries and a circuit breaker.
type Transport struct {
	provider model.CloudProvider
	client   *http.Client
	cfg      TransportConfig
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger

	// Now is the signing clock.
	Now func() time.Time
}

// NewTransport creates a transport for one provider. A nil client uses a default one.
func NewTransport(p model.CloudProvider, client *http.Client, cfg TransportConfig, logger *slog.Logger) *Transport {
	if client == nil {
		client = &http.Client{}
	}
	t := &Transport{
		provider: p,
		client:   client,
		cfg:      cfg,
		logger:   logger.With("component", "transport", "provider", string(p)),
		Now:      time.Now,
	}
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(p),
		MaxRequests: cfg.Breaker.HalfOpenRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			limit := cfg.Breaker.ConsecutiveFailures
			return limit > 0 && counts.ConsecutiveFailures >= limit
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
		// Only transport failures say anything about provider health.
		IsSuccessful: func(err error) bool {
			return model.KindOf(err) != model.KindTransport
		},
	})
	return t
}

// Do runs call under the retry policy and returns the accepted response body.
func (t *Transport) Do(ctx context.Context, call Call) ([]byte, error) {
	var body []byte

	policy := t.cfg.Retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		t.logger.Warn("provider call failed, retrying",
			"op", call.Op, "attempt", attempt, "delay", delay, "error", err)
	}

	err := Retry(ctx, policy, func(attempt int) error {
		signed, err := call.Sign(t.Now())
		if err != nil {
			return err
		}

		res, err := t.breaker.Execute(func() (interface{}, error) {
			return t.send(ctx, call, signed)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return &model.Error{Kind: model.KindTransport, Provider: t.provider, Op: call.Op, Err: err}
			}
			return err
		}
		body = res.([]byte)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (t *Transport) send(ctx context.Context, call Call, signed *signer.Signed) (body []byte, err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(model.KindOf(err))
		}
		metrics.ProviderRequests.WithLabelValues(string(t.provider), call.Op, outcome).Inc()
		metrics.ProviderRequestDuration.WithLabelValues(string(t.provider), call.Op).Observe(time.Since(start).Seconds())
	}()

	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	req, err := signed.NewRequest(ctx)
	if err != nil {
		return nil, &model.Error{Kind: model.KindSigning, Provider: t.provider, Op: call.Op, Err: err}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &model.Error{Kind: model.KindTransport, Provider: t.provider, Op: call.Op, Err: err}
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &model.Error{Kind: model.KindTransport, Provider: t.provider, Op: call.Op, Status: resp.StatusCode,
			Err: fmt.Errorf("read response: %w", err)}
	}

	classify := call.Classify
	if classify == nil {
		classify = StatusClassifier(t.provider, call.Op)
	}
	if err := classify(resp.StatusCode, resp.Header, body); err != nil {
		return nil, err
	}
	return body, nil
}

// StatusClassifier rejects non-2xx responses by status code alone.
func StatusClassifier(p model.CloudProvider, op string) Classifier {
	return func(status int, header http.Header, body []byte) error {
		if status >= 200 && status < 300 {
			return nil
		}
		return ClassifyStatus(p, op, status, header, "", Snippet(body))
	}
}

// ClassifyStatus maps an HTTP failure status to an error kind. 401 and 403 are
// auth failures, 429 is throttling, 5xx is transport, anything else is malformed.
func ClassifyStatus(p model.CloudProvider, op string, status int, header http.Header, code, message string) *model.Error {
	e := &model.Error{Provider: p, Op: op, Status: status, Code: code, Message: message}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = model.KindAuth
	case status == http.StatusTooManyRequests:
		e.Kind = model.KindRateLimit
		e.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), time.Now())
	case status >= 500:
		e.Kind = model.KindTransport
		e.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), time.Now())
	default:
		e.Kind = model.KindMalformedResponse
	}
	return e
}

// ParseRetryAfter reads delta-seconds or an HTTP date.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// Snippet trims a response body for error messages.
func Snippet(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
