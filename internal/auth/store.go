package auth

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"digma-core-go/internal/apierrors"

	log "github.com/sirupsen/logrus"
)

// CredentialsStore is the single source of truth for token material, keyed by
// account ID. Find returns apierrors.ErrCredentialsNotFound when nothing
// usable is stored; a corrupt or undecryptable blob is treated identically to
// an absent one.
type CredentialsStore interface {
	Find(ctx context.Context, accountID string) (*Credentials, error)
	Update(ctx context.Context, accountID string, creds *Credentials) error
	Remove(ctx context.Context, accountID string) error
}

// FileCredentialsStore keeps one encrypted blob file per account.
type FileCredentialsStore struct {
	dir    string
	secret string
}

// NewFileCredentialsStore builds a store rooted at dir, encrypting blobs with
// a key derived from secret.
func NewFileCredentialsStore(dir, secret string) *FileCredentialsStore {
	return &FileCredentialsStore{dir: dir, secret: secret}
}

func (s *FileCredentialsStore) path(accountID string) string {
	return filepath.Join(s.dir, accountID+".cred")
}

// Find loads and decrypts the credentials for accountID. It honours ctx so the
// caller can bound the lookup and treat a timeout as not-found.
func (s *FileCredentialsStore) Find(ctx context.Context, accountID string) (*Credentials, error) {
	if accountID == "" {
		return nil, apierrors.ErrCredentialsNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(accountID))
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).WithField("account_id", accountID).Debug("credentials file unreadable")
		}
		return nil, apierrors.ErrCredentialsNotFound
	}

	plain, err := open(s.secret, data)
	if err != nil {
		log.WithError(err).WithField("account_id", accountID).Warn("stored credentials undecryptable, treating as absent")
		return nil, apierrors.ErrCredentialsNotFound
	}

	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		log.WithError(err).WithField("account_id", accountID).Warn("stored credentials corrupt, treating as absent")
		return nil, apierrors.ErrCredentialsNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &creds, nil
}

// Update atomically replaces the stored credentials for accountID.
func (s *FileCredentialsStore) Update(ctx context.Context, accountID string, creds *Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	plain, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	blob, err := seal(s.secret, plain)
	if err != nil {
		return err
	}
	p := s.path(accountID)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// Remove deletes the stored credentials for accountID. Removing an absent
// entry is not an error.
func (s *FileCredentialsStore) Remove(_ context.Context, accountID string) error {
	if accountID == "" {
		return nil
	}
	err := os.Remove(s.path(accountID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
