package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JetSquirrel/cloudbridge/internal/model"
)

const tolerance = 1e-6

var now = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

const awsSummaryPayload = `{
  "GroupDefinitions": [{"Type": "DIMENSION", "Key": "SERVICE"}],
  "ResultsByTime": [
    {
      "TimePeriod": {"Start": "2024-02-01", "End": "2024-03-01"},
      "Total": {},
      "Groups": [
        {"Keys": ["Amazon Elastic Compute Cloud - Compute"], "Metrics": {"UnblendedCost": {"Amount": "100.00", "Unit": "USD"}}},
        {"Keys": ["Amazon Simple Storage Service"], "Metrics": {"UnblendedCost": {"Amount": "5.5", "Unit": "USD"}}}
      ],
      "Estimated": false
    },
    {
      "TimePeriod": {"Start": "2024-03-01", "End": "2024-03-16"},
      "Total": {},
      "Groups": [
        {"Keys": ["Amazon Elastic Compute Cloud - Compute"], "Metrics": {"UnblendedCost": {"Amount": "75.1234567", "Unit": "USD"}}},
        {"Keys": ["Amazon Simple Storage Service"], "Metrics": {"UnblendedCost": {"Amount": "4.5", "Unit": "USD"}}},
        {"Keys": ["AWS Lambda"], "Metrics": {"UnblendedCost": {"Amount": "0", "Unit": "USD"}}},
        {"Keys": [], "Metrics": {"UnblendedCost": {"Amount": "0.25", "Unit": "USD"}}}
      ],
      "Estimated": true
    }
  ],
  "DimensionValueAttributes": []
}`

func TestAWSSummary(t *testing.T) {
	q := model.SummaryQuery("acct-a", now)

	s, err := AWSSummary(q, []byte(awsSummaryPayload))
	require.NoError(t, err)

	assert.Equal(t, "acct-a", s.AccountID)
	assert.Equal(t, model.CloudProviderAWS, s.Provider)
	assert.Equal(t, model.CurrencyUSD, s.Currency)
	assert.Equal(t, "2024-03-01", s.CurrentStart)
	assert.Equal(t, "2024-03-15", s.CurrentEnd)
	assert.Equal(t, "2024-02-01", s.PreviousStart)
	assert.Equal(t, "2024-02-29", s.PreviousEnd)

	assert.InDelta(t, 79.8734567, s.CurrentTotal, tolerance)
	assert.InDelta(t, 105.5, s.PreviousTotal, tolerance)
	assert.InDelta(t, (79.8734567-105.5)/105.5*100, s.MonthOverMonth, tolerance)
	require.NoError(t, s.Validate(tolerance))

	require.Len(t, s.Services, 4)
	assert.Equal(t, "Amazon Elastic Compute Cloud - Compute", s.Services[0].Service)
	assert.Equal(t, "Amazon Simple Storage Service", s.Services[1].Service)
	assert.Equal(t, OtherService, s.Services[2].Service)
	assert.Equal(t, "AWS Lambda", s.Services[3].Service, "zero-cost services are kept")
	assert.Zero(t, s.Services[3].Amount)
	assert.Len(t, s.PreviousServices, 2)
}

func TestAWSSummary_MultiplePages(t *testing.T) {
	q := model.SummaryQuery("acct-a", now)
	page1 := `{"ResultsByTime":[{"TimePeriod":{"Start":"2024-03-01","End":"2024-03-16"},"Groups":[
		{"Keys":["EC2"],"Metrics":{"UnblendedCost":{"Amount":"1.1","Unit":"USD"}}}]}],"NextPageToken":"t"}`
	page2 := `{"ResultsByTime":[{"TimePeriod":{"Start":"2024-03-01","End":"2024-03-16"},"Groups":[
		{"Keys":["EC2"],"Metrics":{"UnblendedCost":{"Amount":"2.2","Unit":"USD"}}},
		{"Keys":["S3"],"Metrics":{"UnblendedCost":{"Amount":"0.7","Unit":"USD"}}}]}]}`

	s, err := AWSSummary(q, []byte(page1), []byte(page2))
	require.NoError(t, err)

	assert.InDelta(t, 4.0, s.CurrentTotal, tolerance)
	assert.InDelta(t, 3.3, s.Services[0].Amount, tolerance)
	assert.Zero(t, s.PreviousTotal)
	assert.Equal(t, 100.0, s.MonthOverMonth)
}

func TestAWSSummary_Malformed(t *testing.T) {
	q := model.SummaryQuery("acct-a", now)

	tests := map[string]string{
		"not json":        `<html>`,
		"no results":      `{"GroupDefinitions":[]}`,
		"bad amount":      `{"ResultsByTime":[{"TimePeriod":{"Start":"2024-03-01"},"Groups":[{"Keys":["x"],"Metrics":{"UnblendedCost":{"Amount":"abc"}}}]}]}`,
		"bad period date": `{"ResultsByTime":[{"TimePeriod":{"Start":"March"},"Groups":[]}]}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := AWSSummary(q, []byte(payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrMalformedResponse))
		})
	}
}

func TestAWSSummary_DefaultsCurrency(t *testing.T) {
	q := model.SummaryQuery("acct-a", now)
	payload := `{"ResultsByTime":[{"TimePeriod":{"Start":"2024-03-01","End":"2024-03-16"},"Groups":[
		{"Keys":["EC2"],"Metrics":{"UnblendedCost":{"Amount":"3"}}}]}]}`

	s, err := AWSSummary(q, []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, model.CurrencyUSD, s.Currency)
	assert.Equal(t, model.CurrencyUSD, s.Services[0].Currency)
}

func TestAWSTrend_FillsGaps(t *testing.T) {
	q := model.TrendQuery("acct-a", now, model.TrendWindowDays)
	payload := `{"ResultsByTime":[
		{"TimePeriod":{"Start":"2024-02-15","End":"2024-02-16"},"Total":{"UnblendedCost":{"Amount":"1.5","Unit":"USD"}},"Groups":[]},
		{"TimePeriod":{"Start":"2024-03-01","End":"2024-03-02"},"Total":{"UnblendedCost":{"Amount":"2.25","Unit":"USD"}},"Groups":[]},
		{"TimePeriod":{"Start":"2024-03-15","End":"2024-03-16"},"Total":{"UnblendedCost":{"Amount":"0.75","Unit":"USD"}},"Groups":[]}
	]}`

	tr, err := AWSTrend(q, []byte(payload))
	require.NoError(t, err)

	require.Len(t, tr.Days, model.TrendWindowDays)
	require.NoError(t, tr.Validate(model.TrendWindowDays))
	assert.Equal(t, "2024-02-15", tr.Days[0].Date)
	assert.Equal(t, 1.5, tr.Days[0].Amount)
	assert.Equal(t, "2024-03-15", tr.Days[29].Date)
	assert.Equal(t, 0.75, tr.Days[29].Amount)
	assert.Zero(t, tr.Days[1].Amount)
	assert.InDelta(t, 4.5, tr.Total, tolerance)

	for i := 1; i < len(tr.Days); i++ {
		assert.Less(t, tr.Days[i-1].Date, tr.Days[i].Date)
	}
}

func TestAWSTrend_Empty(t *testing.T) {
	q := model.TrendQuery("acct-a", now, model.TrendWindowDays)
	tr, err := AWSTrend(q, []byte(`{"ResultsByTime":[]}`))
	require.NoError(t, err)
	assert.Len(t, tr.Days, model.TrendWindowDays)
	assert.Zero(t, tr.Total)
}

const aliyunCurrent = `{
  "Code": "Success", "Message": "Successful!", "RequestId": "r1", "Success": true,
  "Data": {"BillingCycle": "2024-03", "Items": {"Item": [
    {"ProductCode": "ecs", "ProductName": "Elastic Compute Service", "PretaxAmount": 120.35, "Currency": "CNY"},
    {"ProductCode": "oss", "ProductName": "", "PretaxAmount": 3.2, "Currency": "CNY"},
    {"ProductCode": "", "ProductName": "", "PretaxAmount": 0.45, "Currency": "CNY"},
    {"ProductCode": "slb", "ProductName": "Server Load Balancer", "PretaxAmount": 0, "Currency": "CNY"}
  ]}}
}`

const aliyunPrevious = `{
  "Code": "Success", "Success": true,
  "Data": {"BillingCycle": "2024-02", "Items": {"Item": [
    {"ProductCode": "ecs", "ProductName": "Elastic Compute Service", "PretaxAmount": 200, "Currency": "CNY"}
  ]}}
}`

func TestAliyunSummary(t *testing.T) {
	q := model.SummaryQuery("acct-b", now)

	s, err := AliyunSummary(q, []byte(aliyunCurrent), []byte(aliyunPrevious))
	require.NoError(t, err)

	assert.Equal(t, model.CloudProviderAliyun, s.Provider)
	assert.Equal(t, model.CurrencyCNY, s.Currency)
	assert.InDelta(t, 124.0, s.CurrentTotal, tolerance)
	assert.InDelta(t, 200.0, s.PreviousTotal, tolerance)
	assert.InDelta(t, -38.0, s.MonthOverMonth, tolerance)
	require.NoError(t, s.Validate(tolerance))

	names := make([]string, 0, len(s.Services))
	for _, svc := range s.Services {
		names = append(names, svc.Service)
	}
	assert.Equal(t, []string{"Elastic Compute Service", "oss", OtherService, "Server Load Balancer"}, names)
}

func TestAliyunSummary_EmptyItemsDefaultsCurrency(t *testing.T) {
	q := model.SummaryQuery("acct-b", now)
	empty := `{"Code":"Success","Success":true,"Data":{"Items":{}}}`

	s, err := AliyunSummary(q, []byte(empty), []byte(empty))
	require.NoError(t, err)
	assert.Equal(t, model.CurrencyCNY, s.Currency)
	assert.Empty(t, s.Services)
	assert.Zero(t, s.MonthOverMonth)
}

func TestAliyunSummary_Unsuccessful(t *testing.T) {
	q := model.SummaryQuery("acct-b", now)
	failed := `{"Code":"InternalError","Message":"boom","Success":false}`

	_, err := AliyunSummary(q, []byte(failed), []byte(aliyunPrevious))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrMalformedResponse))
}

func TestAliyunTrend(t *testing.T) {
	q := model.TrendQuery("acct-b", now, model.TrendWindowDays)
	feb := `{"Code":"Success","Success":true,"Data":{"TotalCount":2,"Items":{"Item":[
		{"BillingDate":"2024-02-20","ProductCode":"ecs","PretaxAmount":10.5,"Currency":"CNY"},
		{"BillingDate":"2024-02-20","ProductCode":"oss","PretaxAmount":0.5,"Currency":"CNY"}]}}}`
	mar := `{"Code":"Success","Success":true,"Data":{"TotalCount":1,"Items":{"Item":[
		{"BillingDate":"2024-03-10","ProductCode":"ecs","PretaxAmount":7,"Currency":"CNY"}]}}}`

	tr, err := AliyunTrend(q, []byte(feb), []byte(mar))
	require.NoError(t, err)
	require.NoError(t, tr.Validate(model.TrendWindowDays))

	byDate := map[string]float64{}
	for _, d := range tr.Days {
		byDate[d.Date] = d.Amount
	}
	assert.InDelta(t, 11.0, byDate["2024-02-20"], tolerance)
	assert.InDelta(t, 7.0, byDate["2024-03-10"], tolerance)
	assert.InDelta(t, 18.0, tr.Total, tolerance)
	assert.Equal(t, model.CurrencyCNY, tr.Currency)
}

func TestAliyunTrend_MissingBillingDate(t *testing.T) {
	q := model.TrendQuery("acct-b", now, model.TrendWindowDays)
	payload := `{"Code":"Success","Success":true,"Data":{"Items":{"Item":[{"PretaxAmount":1}]}}}`

	_, err := AliyunTrend(q, []byte(payload))
	assert.True(t, errors.Is(err, model.ErrMalformedResponse))
}

func TestMonthOverMonth(t *testing.T) {
	assert.Equal(t, 50.0, MonthOverMonth(150, 100))
	assert.Equal(t, -25.0, MonthOverMonth(75, 100))
	assert.Equal(t, 100.0, MonthOverMonth(5, 0))
	assert.Equal(t, 0.0, MonthOverMonth(0, 0))
}

func TestFillWindow(t *testing.T) {
	start := time.Date(2024, 2, 27, 0, 0, 0, 0, time.UTC)
	points := map[string]decimal.Decimal{
		"2024-02-28": decimal.NewFromFloat(2),
		"2024-03-20": decimal.NewFromFloat(9),
	}

	days := FillWindow(start, 4, points)
	require.Len(t, days, 4)
	assert.Equal(t, []model.DailyCost{
		{Date: "2024-02-27", Amount: 0},
		{Date: "2024-02-28", Amount: 2},
		{Date: "2024-02-29", Amount: 0},
		{Date: "2024-03-01", Amount: 0},
	}, days)
}
