package signer

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/JetSquirrel/cloudbridge/internal/model"
)

// AliyunTimestampLayout is the ISO 8601 form RPC-style APIs expect.
const AliyunTimestampLayout = "2006-01-02T15:04:05Z"

// Alibaba signs RPC-style Alibaba Cloud requests with HMAC-SHA1 (signature version 1.0).
type Alibaba struct{}

// Sign merges the common parameters into the query and appends Signature.
func (Alibaba) Sign(d Descriptor, creds model.Credentials, t time.Time) (*Signed, error) {
	const op = "aliyun-hmac"

	if d.Action == "" {
		return nil, signingError(op, "action is required")
	}
	if d.Version == "" {
		return nil, signingError(op, "version is required")
	}
	if d.Nonce == "" {
		return nil, signingError(op, "signature nonce is required")
	}
	if err := checkKeyPair(op, creds); err != nil {
		return nil, err
	}

	u, err := d.endpointURL(op)
	if err != nil {
		return nil, err
	}

	format := d.Format
	if format == "" {
		format = "JSON"
	}

	params := copyQuery(d.Query)
	params.Set("Action", d.Action)
	params.Set("Version", d.Version)
	params.Set("Format", format)
	params.Set("AccessKeyId", creds.AccessKeyID)
	params.Set("SignatureMethod", "HMAC-SHA1")
	params.Set("SignatureVersion", "1.0")
	params.Set("SignatureNonce", d.Nonce)
	params.Set("Timestamp", t.UTC().Format(AliyunTimestampLayout))
	if creds.SessionToken != "" {
		params.Set("SecurityToken", creds.SessionToken)
	}
	params.Del("Signature")

	method := d.method()
	canonical := CanonicalQuery(params)
	signature := HMACSHA1(creds.SecretAccessKey+"&", StringToSign(method, canonical))

	u.RawQuery = canonical + "&Signature=" + PercentEncode(signature)

	header := d.Header.Clone()
	if header == nil {
		header = http.Header{}
	}

	return &Signed{
		Method: method,
		URL:    u,
		Header: header,
		Body:   d.Body,
	}, nil
}

// CanonicalQuery sorts parameters by key, then value, and joins the encoded pairs.
func CanonicalQuery(params map[string][]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		vs := append([]string(nil), params[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			pairs = append(pairs, PercentEncode(k)+"="+PercentEncode(v))
		}
	}
	return strings.Join(pairs, "&")
}

// StringToSign is METHOD&%2F&encoded(canonical query).
func StringToSign(method, canonical string) string {
	return method + "&" + PercentEncode("/") + "&" + PercentEncode(canonical)
}

// HMACSHA1 returns the base64 HMAC-SHA1 of msg under key.
func HMACSHA1(key, msg string) string {
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(msg))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// PercentEncode leaves only RFC 3986 unreserved characters bare and writes
// everything else as uppercase %XX per UTF-8 byte.
func PercentEncode(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == '~':
		return true
	}
	return false
}
