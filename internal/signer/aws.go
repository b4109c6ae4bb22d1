package signer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/JetSquirrel/cloudbridge/internal/model"
)

// AWSV4 signs requests with AWS Signature Version 4.
type AWSV4 struct {
	signer *v4.Signer
}

// NewAWSV4 creates a SigV4 signer.
func NewAWSV4() *AWSV4 {
	return &AWSV4{signer: v4.NewSigner()}
}

// Sign adds X-Amz-Date, the Authorization header and, for session
// credentials, X-Amz-Security-Token.
func (s *AWSV4) Sign(d Descriptor, creds model.Credentials, t time.Time) (*Signed, error) {
	const op = "sigv4"

	if d.Region == "" {
		return nil, signingError(op, "region is required")
	}
	if d.Service == "" {
		return nil, signingError(op, "service is required")
	}
	if err := checkKeyPair(op, creds); err != nil {
		return nil, err
	}

	u, err := d.endpointURL(op)
	if err != nil {
		return nil, err
	}
	if len(d.Query) > 0 {
		u.RawQuery = d.Query.Encode()
	}

	req, err := http.NewRequest(d.method(), u.String(), bytes.NewReader(d.Body))
	if err != nil {
		return nil, model.NewError(model.KindSigning, op, err)
	}
	for k, vs := range d.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	awsCreds, err := credentials.NewStaticCredentialsProvider(
		creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken,
	).Retrieve(context.Background())
	if err != nil {
		return nil, model.NewError(model.KindSigning, op, err)
	}

	if err := s.signer.SignHTTP(context.Background(), awsCreds, req, PayloadHash(d.Body), d.Service, d.Region, t.UTC()); err != nil {
		return nil, model.NewError(model.KindSigning, op, err)
	}

	return &Signed{
		Method: req.Method,
		URL:    req.URL,
		Header: req.Header.Clone(),
		Body:   d.Body,
	}, nil
}

// PayloadHash is the hex SHA-256 of body. A nil body hashes as empty.
func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func checkKeyPair(op string, creds model.Credentials) error {
	if creds.AccessKeyID == "" {
		return signingError(op, "access key id is required")
	}
	if creds.SecretAccessKey == "" {
		return signingError(op, "secret key is required")
	}
	if strings.ContainsAny(creds.AccessKeyID, " \t\r\n") {
		return signingError(op, "access key id %s contains whitespace", model.MaskKey(creds.AccessKeyID))
	}
	if strings.ContainsAny(creds.SecretAccessKey, " \t\r\n") {
		return signingError(op, "secret key contains whitespace")
	}
	return nil
}
