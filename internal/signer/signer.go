// Package signer produces provider request authentication. Signing never reads
// a clock or a random source, so identical inputs give byte-identical output.
package signer

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/JetSquirrel/cloudbridge/internal/model"
)

// Descriptor is an unsigned request.
type Descriptor struct {
	Method   string
	Endpoint string // scheme://host
	Path     string
	Query    url.Values
	Header   http.Header
	Body     []byte

	// AWS
	Region  string
	Service string

	// Alibaba
	Action  string
	Version string
	Format  string
	Nonce   string
}

// Signed is a request ready to send.
type Signed struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// NewRequest builds an *http.Request carrying the signed material.
func (s *Signed) NewRequest(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, s.Method, s.URL.String(), bytes.NewReader(s.Body))
	if err != nil {
		return nil, fmt.Errorf("signer: build request: %w", err)
	}
	req.Header = s.Header.Clone()
	req.Host = s.URL.Host
	return req, nil
}

// Signer authenticates a request for one provider.
type Signer interface {
	Sign(d Descriptor, creds model.Credentials, t time.Time) (*Signed, error)
}

func signingError(op, format string, args ...any) error {
	return model.Errorf(model.KindSigning, op, format, args...)
}

func (d Descriptor) endpointURL(op string) (*url.URL, error) {
	if d.Endpoint == "" {
		return nil, signingError(op, "endpoint is required")
	}
	u, err := url.Parse(d.Endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return nil, signingError(op, "invalid endpoint %q", d.Endpoint)
	}
	path := d.Path
	if path == "" {
		path = "/"
	}
	u.Path = path
	u.RawQuery = ""
	return u, nil
}

func (d Descriptor) method() string {
	if d.Method == "" {
		return http.MethodGet
	}
	return d.Method
}

func copyQuery(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, v := range q {
		out[k] = append([]string(nil), v...)
	}
	return out
}
