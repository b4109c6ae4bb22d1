// Package credstore keeps provider credentials encrypted at rest and hands out
// decrypted copies for a single call.
package credstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/JetSquirrel/cloudbridge/internal/crypto"
	"github.com/JetSquirrel/cloudbridge/internal/model"
	"github.com/JetSquirrel/cloudbridge/internal/repository"
)

const keyInfo = "cloudbridge credentials v1"

// Store seals credentials with AES-256-GCM. The reference is bound into the
// ciphertext, so a blob copied under another reference fails to open.
type Store struct {
	repo   repository.CredentialRepository
	key    []byte
	logger *slog.Logger
}

// New derives the sealing key from masterKey.
func New(repo repository.CredentialRepository, masterKey string, logger *slog.Logger) (*Store, error) {
	key, err := crypto.DeriveKey(masterKey, keyInfo)
	if err != nil {
		return nil, fmt.Errorf("credstore: %w", err)
	}
	return &Store{
		repo:   repo,
		key:    key,
		logger: logger.With("component", "credstore"),
	}, nil
}

// NewRef returns a fresh opaque credential reference.
func NewRef() string {
	return "cred-" + uuid.NewString()
}

// Put seals creds and stores them under ref, replacing any previous value.
func (s *Store) Put(ctx context.Context, ref string, creds model.Credentials) error {
	if creds.Empty() {
		return model.Errorf(model.KindInvalidInput, "credstore put", "access key id and secret are required")
	}
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("credstore: failed to encode credentials: %w", err)
	}
	sealed, err := crypto.Encrypt(plaintext, s.key, []byte(ref))
	if err != nil {
		return fmt.Errorf("credstore: %w", err)
	}

	blob := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(blob, sealed)
	if err := s.repo.Put(ctx, ref, blob); err != nil {
		return fmt.Errorf("credstore: failed to store credentials: %w", err)
	}
	s.logger.Debug("credentials stored", "ref", ref, "access_key", model.MaskKey(creds.AccessKeyID))
	return nil
}

// Get returns the decrypted credentials for ref. It fails with a
// CredentialNotFound or Decryption error.
func (s *Store) Get(ctx context.Context, ref string) (model.Credentials, error) {
	const op = "credstore get"

	if ref == "" {
		return model.Credentials{}, model.Errorf(model.KindCredentialNotFound, op, "account has no credential reference")
	}
	blob, err := s.repo.Get(ctx, ref)
	if err != nil {
		return model.Credentials{}, err
	}

	sealed := make([]byte, base64.StdEncoding.DecodedLen(len(blob)))
	n, err := base64.StdEncoding.Decode(sealed, blob)
	if err != nil {
		return model.Credentials{}, model.NewError(model.KindDecryption, op, err)
	}
	plaintext, err := crypto.Decrypt(sealed[:n], s.key, []byte(ref))
	if err != nil {
		return model.Credentials{}, model.NewError(model.KindDecryption, op, err)
	}

	var creds model.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return model.Credentials{}, model.NewError(model.KindDecryption, op, err)
	}
	if creds.Empty() {
		return model.Credentials{}, model.Errorf(model.KindDecryption, op, "decrypted credentials are incomplete")
	}
	return creds, nil
}

// Delete removes the credentials stored under ref.
func (s *Store) Delete(ctx context.Context, ref string) error {
	if err := s.repo.Delete(ctx, ref); err != nil {
		return fmt.Errorf("credstore: failed to delete credentials: %w", err)
	}
	return nil
}
