package normalize

import (
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/JetSquirrel/cloudbridge/internal/model"
)

// AliyunEnvelope is the status part shared by every BSS OpenAPI response.
type AliyunEnvelope struct {
	RequestID string `json:"RequestId"`
	Code      string `json:"Code"`
	Message   string `json:"Message"`
	Success   bool   `json:"Success"`
}

// OK reports whether the provider flagged the call as successful.
func (e AliyunEnvelope) OK() bool {
	return e.Success || strings.EqualFold(e.Code, "Success")
}

// AliyunBillItem is a row of QueryBillOverview or QueryAccountBill.
type AliyunBillItem struct {
	BillingDate  string          `json:"BillingDate"`
	ProductCode  string          `json:"ProductCode"`
	ProductName  string          `json:"ProductName"`
	PretaxAmount decimal.Decimal `json:"PretaxAmount"`
	Currency     string          `json:"Currency"`
}

// AliyunBillResponse covers QueryBillOverview and QueryAccountBill.
type AliyunBillResponse struct {
	AliyunEnvelope
	Data *struct {
		BillingCycle string `json:"BillingCycle"`
		TotalCount   int    `json:"TotalCount"`
		PageNum      int    `json:"PageNum"`
		PageSize     int    `json:"PageSize"`
		Items        struct {
			Item []AliyunBillItem `json:"Item"`
		} `json:"Items"`
	} `json:"Data"`
}

// DecodeAliyunBill decodes a bill response and rejects unsuccessful ones.
func DecodeAliyunBill(op string, raw []byte) (*AliyunBillResponse, error) {
	var resp AliyunBillResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, malformed(model.CloudProviderAliyun, op, err)
	}
	if !resp.OK() {
		return nil, malformedf(model.CloudProviderAliyun, op, "unsuccessful response code %q: %s", resp.Code, resp.Message)
	}
	if resp.Data == nil {
		return nil, malformedf(model.CloudProviderAliyun, op, "response has no Data")
	}
	return &resp, nil
}

// AliyunSummary folds the QueryBillOverview responses of the current and the
// previous billing cycle into a summary.
func AliyunSummary(q model.CostQuery, current, previous []byte) (*model.CostSummary, error) {
	const op = "QueryBillOverview"

	unit := ""
	fold := func(raw []byte) (serviceTotals, error) {
		resp, err := DecodeAliyunBill(op, raw)
		if err != nil {
			return nil, err
		}
		totals := serviceTotals{}
		for _, item := range resp.Data.Items.Item {
			totals.add(firstNonEmpty(item.ProductName, item.ProductCode), item.PretaxAmount)
			unit = firstNonEmpty(unit, item.Currency)
		}
		return totals, nil
	}

	cur, err := fold(current)
	if err != nil {
		return nil, err
	}
	prev, err := fold(previous)
	if err != nil {
		return nil, err
	}

	return summaryFrom(q, model.CloudProviderAliyun, currencyOr(unit, model.CloudProviderAliyun), cur, prev)
}

// AliyunTrend folds daily QueryAccountBill pages into a gap-free trend.
func AliyunTrend(q model.CostQuery, pages ...[]byte) (*model.CostTrend, error) {
	const op = "QueryAccountBill"

	points := map[string]decimal.Decimal{}
	unit := ""

	for _, raw := range pages {
		resp, err := DecodeAliyunBill(op, raw)
		if err != nil {
			return nil, err
		}
		for _, item := range resp.Data.Items.Item {
			if _, err := model.ParseDate(item.BillingDate); err != nil {
				return nil, malformed(model.CloudProviderAliyun, op, err)
			}
			points[item.BillingDate] = points[item.BillingDate].Add(item.PretaxAmount)
			unit = firstNonEmpty(unit, item.Currency)
		}
	}

	return trendFrom(q, model.CloudProviderAliyun, currencyOr(unit, model.CloudProviderAliyun), points)
}
