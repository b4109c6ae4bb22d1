// Package aws provides the AWS cost provider. Requests are built by hand and
// signed with SigV4 so every call goes through the shared transport.
package aws

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/goccy/go-json"

	"github.com/JetSquirrel/cloudbridge/internal/model"
	"github.com/JetSquirrel/cloudbridge/internal/normalize"
	"github.com/JetSquirrel/cloudbridge/internal/provider"
	"github.com/JetSquirrel/cloudbridge/internal/signer"
)

const (
	// Cost Explorer is only served from us-east-1.
	ceRegion   = "us-east-1"
	ceService  = "ce"
	ceTarget   = "AWSInsightsIndexService.GetCostAndUsage"
	ceEndpoint = "https://ce.us-east-1.amazonaws.com"

	stsService = "sts"
	stsVersion = "2011-06-15"

	defaultRegion   = "us-east-1"
	defaultMaxPages = 20
)

// Options overrides endpoints and paging limits.
type Options struct {
	// CostExplorerEndpoint defaults to the us-east-1 endpoint.
	CostExplorerEndpoint string
	// STSEndpoint defaults to the regional endpoint of the account's region.
	STSEndpoint string
	// MaxPages bounds GetCostAndUsage pagination.
	MaxPages int
}

// Provider implements provider.Provider for AWS.
type Provider struct {
	opts      Options
	signer    *signer.AWSV4
	transport *provider.Transport
	logger    *slog.Logger
}

// NewProvider creates a new AWS provider.
func NewProvider(opts Options, client *http.Client, tcfg provider.TransportConfig, logger *slog.Logger) *Provider {
	if opts.CostExplorerEndpoint == "" {
		opts.CostExplorerEndpoint = ceEndpoint
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	return &Provider{
		opts:      opts,
		signer:    signer.NewAWSV4(),
		transport: provider.NewTransport(model.CloudProviderAWS, client, tcfg, logger),
		logger:    logger.With("component", "provider", "provider", "aws"),
	}
}

// Transport exposes the underlying transport, mainly to pin its clock in tests.
func (p *Provider) Transport() *provider.Transport { return p.transport }

// Type returns the provider type.
func (p *Provider) Type() model.CloudProvider {
	return model.CloudProviderAWS
}

// ValidateCredentials calls STS GetCallerIdentity, which is free and needs no permissions.
func (p *Provider) ValidateCredentials(ctx context.Context, acct *model.CloudAccount, creds model.Credentials) (bool, error) {
	const op = "GetCallerIdentity"

	region := regionOf(acct)
	endpoint := p.opts.STSEndpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://sts.%s.amazonaws.com", region)
	}

	body, err := p.transport.Do(ctx, provider.Call{
		Op: op,
		Sign: func(now time.Time) (*signer.Signed, error) {
			return p.signer.Sign(signer.Descriptor{
				Method:   http.MethodGet,
				Endpoint: endpoint,
				Query:    url.Values{"Action": {op}, "Version": {stsVersion}},
				Region:   region,
				Service:  stsService,
			}, creds, now)
		},
		Classify: classifySTS,
	})
	if err != nil {
		switch model.KindOf(err) {
		case model.KindAuth, model.KindSigning:
			p.logger.Info("credentials rejected", "access_key", model.MaskKey(creds.AccessKeyID), "error", err)
			return false, nil
		}
		return false, err
	}

	var resp struct {
		Result struct {
			Account string `xml:"Account"`
			Arn     string `xml:"Arn"`
		} `xml:"GetCallerIdentityResult"`
	}
	if err := xml.Unmarshal(body, &resp); err != nil {
		return false, &model.Error{Kind: model.KindMalformedResponse, Provider: model.CloudProviderAWS, Op: op, Err: err}
	}
	if resp.Result.Account == "" {
		return false, &model.Error{Kind: model.KindMalformedResponse, Provider: model.CloudProviderAWS, Op: op,
			Message: "response carries no account"}
	}

	p.logger.Info("credentials validated", "aws_account", resp.Result.Account)
	return true, nil
}

// GetCostSummary issues one MONTHLY query spanning both months, grouped by service.
func (p *Provider) GetCostSummary(ctx context.Context, acct *model.CloudAccount, creds model.Credentials, q model.CostQuery) (*model.CostSummary, error) {
	_, prev, err := q.Periods()
	if err != nil {
		return nil, model.NewError(model.KindInvalidInput, "GetCostSummary", err)
	}
	_, end, _ := q.Range()

	pages, err := p.getCostAndUsage(ctx, creds, costRequest{
		TimePeriod:  dateInterval{Start: model.FormatDate(prev.Start), End: model.FormatDate(end.AddDate(0, 0, 1))},
		Granularity: types.GranularityMonthly,
		Metrics:     []string{normalize.AWSMetric},
		GroupBy: []groupDefinition{{
			Type: types.GroupDefinitionTypeDimension,
			Key:  string(types.DimensionService),
		}},
	})
	if err != nil {
		return nil, err
	}
	return normalize.AWSSummary(q, pages...)
}

// GetCostTrend issues one DAILY query over the window.
func (p *Provider) GetCostTrend(ctx context.Context, acct *model.CloudAccount, creds model.Credentials, q model.CostQuery) (*model.CostTrend, error) {
	start, end, err := q.Range()
	if err != nil {
		return nil, model.NewError(model.KindInvalidInput, "GetCostTrend", err)
	}

	pages, err := p.getCostAndUsage(ctx, creds, costRequest{
		TimePeriod:  dateInterval{Start: model.FormatDate(start), End: model.FormatDate(end.AddDate(0, 0, 1))},
		Granularity: types.GranularityDaily,
		Metrics:     []string{normalize.AWSMetric},
	})
	if err != nil {
		return nil, err
	}
	return normalize.AWSTrend(q, pages...)
}

// Close cleans up provider resources.
func (p *Provider) Close() error {
	return nil
}

type dateInterval struct {
	Start string `json:"Start"`
	End   string `json:"End"`
}

type groupDefinition struct {
	Type types.GroupDefinitionType `json:"Type"`
	Key  string                    `json:"Key"`
}

type costRequest struct {
	TimePeriod    dateInterval      `json:"TimePeriod"`
	Granularity   types.Granularity `json:"Granularity"`
	Metrics       []string          `json:"Metrics"`
	GroupBy       []groupDefinition `json:"GroupBy,omitempty"`
	NextPageToken string            `json:"NextPageToken,omitempty"`
}

// getCostAndUsage follows NextPageToken and returns every raw page.
func (p *Provider) getCostAndUsage(ctx context.Context, creds model.Credentials, req costRequest) ([][]byte, error) {
	const op = "GetCostAndUsage"

	var pages [][]byte
	for page := 0; page < p.opts.MaxPages; page++ {
		payload, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("aws: encode %s request: %w", op, err)
		}

		body, err := p.transport.Do(ctx, provider.Call{
			Op: op,
			Sign: func(now time.Time) (*signer.Signed, error) {
				return p.signer.Sign(signer.Descriptor{
					Method:   http.MethodPost,
					Endpoint: p.opts.CostExplorerEndpoint,
					Path:     "/",
					Header: http.Header{
						"Content-Type": {"application/x-amz-json-1.1"},
						"X-Amz-Target": {ceTarget},
					},
					Body:    payload,
					Region:  ceRegion,
					Service: ceService,
				}, creds, now)
			},
			Classify: classifyJSON(op),
		})
		if err != nil {
			return nil, err
		}
		pages = append(pages, body)

		resp, err := normalize.DecodeAWSCost(body)
		if err != nil {
			return nil, err
		}
		if resp.NextPageToken == "" {
			return pages, nil
		}
		req.NextPageToken = resp.NextPageToken
	}

	p.logger.Warn("cost explorer pagination limit reached", "pages", p.opts.MaxPages)
	return pages, nil
}

func regionOf(acct *model.CloudAccount) string {
	if acct != nil && acct.Region != "" {
		return acct.Region
	}
	return defaultRegion
}

var (
	authCodes = []string{
		"UnrecognizedClientException", "InvalidSignatureException", "SignatureDoesNotMatch",
		"IncompleteSignature", "ExpiredToken", "AccessDenied", "InvalidClientTokenId",
		"MissingAuthenticationToken", "UnauthorizedOperation", "InvalidAccessKeyId",
	}
	throttleCodes = []string{
		"Throttling", "ThrottlingException", "LimitExceededException", "RequestLimitExceeded",
		"TooManyRequestsException",
	}
)

// classifyCode maps an AWS error code onto a kind, falling back to the status.
func classifyCode(op string, status int, header http.Header, code, message string) error {
	e := provider.ClassifyStatus(model.CloudProviderAWS, op, status, header, code, message)
	switch {
	case hasPrefix(code, authCodes):
		e.Kind = model.KindAuth
	case hasPrefix(code, throttleCodes):
		e.Kind = model.KindRateLimit
	}
	return e
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

// classifyJSON reads {"__type": "...#Code", "message": "..."} error bodies.
func classifyJSON(op string) provider.Classifier {
	return func(status int, header http.Header, body []byte) error {
		if status >= 200 && status < 300 {
			return nil
		}
		var e struct {
			Type       string `json:"__type"`
			Message    string `json:"message"`
			MessageAlt string `json:"Message"`
		}
		if err := json.Unmarshal(body, &e); err != nil {
			return classifyCode(op, status, header, "", provider.Snippet(body))
		}
		code := e.Type
		if i := strings.LastIndex(code, "#"); i >= 0 {
			code = code[i+1:]
		}
		if code == "" {
			code = header.Get("X-Amzn-ErrorType")
			if i := strings.Index(code, ":"); i >= 0 {
				code = code[:i]
			}
		}
		msg := e.Message
		if msg == "" {
			msg = e.MessageAlt
		}
		return classifyCode(op, status, header, code, msg)
	}
}

// classifySTS reads <ErrorResponse><Error><Code/><Message/></Error></ErrorResponse>.
func classifySTS(status int, header http.Header, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var e struct {
		Error struct {
			Code    string `xml:"Code"`
			Message string `xml:"Message"`
		} `xml:"Error"`
	}
	if err := xml.Unmarshal(body, &e); err != nil {
		return classifyCode("GetCallerIdentity", status, header, "", provider.Snippet(body))
	}
	return classifyCode("GetCallerIdentity", status, header, e.Error.Code, e.Error.Message)
}

var _ provider.Provider = (*Provider)(nil)
