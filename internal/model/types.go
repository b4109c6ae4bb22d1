// Package model contains the core domain entities for cloudbridge.
package model

import (
	"fmt"
	"strings"
	"time"
)

// CloudProvider represents supported cloud providers.
type CloudProvider string

const (
	CloudProviderAWS    CloudProvider = "aws"
	CloudProviderAliyun CloudProvider = "aliyun"
	CloudProviderAzure  CloudProvider = "azure"
	CloudProviderGCP    CloudProvider = "gcp"
)

// DisplayName returns the human readable provider name.
func (p CloudProvider) DisplayName() string {
	switch p {
	case CloudProviderAWS:
		return "AWS"
	case CloudProviderAliyun:
		return "Alibaba Cloud"
	case CloudProviderAzure:
		return "Azure"
	case CloudProviderGCP:
		return "GCP"
	default:
		return string(p)
	}
}

// BillingCurrency is the currency a provider bills in when a response omits it.
func (p CloudProvider) BillingCurrency() Currency {
	if p == CloudProviderAliyun {
		return CurrencyCNY
	}
	return CurrencyUSD
}

// ParseCloudProvider accepts the canonical tag or a few common aliases.
func ParseCloudProvider(s string) (CloudProvider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "aws", "amazon":
		return CloudProviderAWS, nil
	case "aliyun", "alibaba", "alibabacloud", "alibaba-cloud":
		return CloudProviderAliyun, nil
	case "azure":
		return CloudProviderAzure, nil
	case "gcp", "google":
		return CloudProviderGCP, nil
	}
	return "", fmt.Errorf("unknown cloud provider %q", s)
}

// Currency represents monetary currency codes.
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyCNY Currency = "CNY"
)

// Granularity represents time granularity for cost data.
type Granularity string

const (
	GranularityDaily   Granularity = "daily"
	GranularityMonthly Granularity = "monthly"
)

// DateLayout is the layout used for every calendar date in queries and payloads.
const DateLayout = "2006-01-02"

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MonthStart returns the first day of t's month, UTC.
func MonthStart(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// FormatDate formats t with DateLayout.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ParseDate parses a DateLayout string as a UTC date.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}
