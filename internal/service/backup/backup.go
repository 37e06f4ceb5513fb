package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"e2e_messenger/internal/cryptographic/encryption"
	"e2e_messenger/internal/cryptographic/kdf"
	"e2e_messenger/internal/model"
	"e2e_messenger/internal/protocol/canonical"
	"e2e_messenger/internal/service/api"
)

const (
	// MaxSize bounds the encoded backup in bytes.
	MaxSize = 256 * 1024

	keySalt = "whisper"
	keyInfo = "whisper/contacts"
	version = 1
)

var (
	ErrTooLarge   = errors.New("backup: payload exceeds 256 KiB")
	ErrNoKey      = errors.New("backup: encryption private key missing")
	ErrCorrupt    = errors.New("backup: cannot decrypt")
	ErrBadVersion = errors.New("backup: unsupported version")
)

type (
	Remote interface {
		PutContactsBackup(ctx context.Context, encryptedData string) (*model.ContactsBackup, error)
		GetContactsBackup(ctx context.Context) (*model.ContactsBackup, error)
		DeleteContactsBackup(ctx context.Context) error
	}

	ContactStore interface {
		List(ctx context.Context) ([]model.Contact, error)
		ReplaceAll(ctx context.Context, contacts []model.Contact) error
	}

	Credentials interface {
		Identity() model.Identity
	}
)

type document struct {
	Version  int             `json:"version"`
	Contacts []model.Contact `json:"contacts"`
}

// Service uploads and restores the encrypted contact list. Messages are never part of it.
type Service struct {
	remote   Remote
	contacts ContactStore
	creds    Credentials
	log      *zap.Logger
	now      func() time.Time
}

func New(remote Remote, contacts ContactStore, creds Credentials, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		remote:   remote,
		contacts: contacts,
		creds:    creds,
		log:      logger.With(zap.String("component", "backup")),
		now:      time.Now,
	}
}

func (s *Service) Backup(ctx context.Context) BackupResult {
	key, err := s.key()
	if err != nil {
		return BackupFailed{Err: err}
	}
	contacts, err := s.contacts.List(ctx)
	if err != nil {
		return BackupFailed{Err: fmt.Errorf("list contacts: %w", err)}
	}

	data, err := Seal(key, contacts)
	if err != nil {
		return BackupFailed{Err: err}
	}
	resp, err := s.remote.PutContactsBackup(ctx, data)
	if err != nil {
		s.log.Warn("backup upload failed", zap.Error(err))
		return BackupFailed{Err: err}
	}

	updated := s.now()
	if resp != nil && resp.UpdatedAt > 0 {
		updated = time.UnixMilli(resp.UpdatedAt)
	}
	s.log.Info("contacts backed up", zap.Int("contacts", len(contacts)), zap.Int("bytes", len(data)))
	return BackupUploaded{Contacts: len(contacts), UpdatedAt: updated}
}

// Restore replaces the whole local contact set with the remote backup.
func (s *Service) Restore(ctx context.Context) RestoreResult {
	key, err := s.key()
	if err != nil {
		return RestoreFailed{Err: err}
	}
	resp, err := s.remote.GetContactsBackup(ctx)
	if errors.Is(err, api.ErrNotFound) || (err == nil && (resp == nil || resp.EncryptedData == "")) {
		return NoBackup{}
	}
	if err != nil {
		return RestoreFailed{Err: err}
	}

	contacts, err := Open(key, resp.EncryptedData)
	if err != nil {
		s.log.Warn("backup rejected", zap.Error(err))
		return RestoreFailed{Err: err}
	}
	if err := s.contacts.ReplaceAll(ctx, contacts); err != nil {
		return RestoreFailed{Err: fmt.Errorf("replace contacts: %w", err)}
	}

	s.log.Info("contacts restored", zap.Int("contacts", len(contacts)))
	return Restored{Contacts: len(contacts)}
}

func (s *Service) Delete(ctx context.Context) error {
	err := s.remote.DeleteContactsBackup(ctx)
	if errors.Is(err, api.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Service) key() ([encryption.KeySize]byte, error) {
	id := s.creds.Identity()
	if len(id.EncPrivateKey) != encryption.KeySize {
		return [encryption.KeySize]byte{}, ErrNoKey
	}
	return DeriveKey(id.EncPrivateKey)
}

// DeriveKey derives the backup key from the account's encryption private key.
func DeriveKey(encPrivateKey []byte) ([encryption.KeySize]byte, error) {
	return kdf.DeriveKey32(encPrivateKey, keySalt, keyInfo)
}

// Seal encodes contacts as base64(nonce || secretbox(json)).
func Seal(key [encryption.KeySize]byte, contacts []model.Contact) (string, error) {
	if contacts == nil {
		contacts = []model.Contact{}
	}
	plain, err := json.Marshal(document{Version: version, Contacts: contacts})
	if err != nil {
		return "", err
	}
	nonce, err := encryption.GenerateNonce()
	if err != nil {
		return "", err
	}
	ct, err := encryption.SecretBoxSeal(plain, nonce, key)
	if err != nil {
		return "", err
	}

	out := canonical.EncodeBase64(append(nonce[:], ct...))
	if len(out) > MaxSize {
		return "", ErrTooLarge
	}
	return out, nil
}

func Open(key [encryption.KeySize]byte, data string) ([]model.Contact, error) {
	if len(data) > MaxSize {
		return nil, ErrTooLarge
	}
	raw, err := canonical.DecodeBase64(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if len(raw) <= encryption.NonceSize {
		return nil, ErrCorrupt
	}
	nonce, _ := encryption.NonceFromBytes(raw[:encryption.NonceSize])
	plain, err := encryption.SecretBoxOpen(raw[encryption.NonceSize:], nonce, key)
	if err != nil {
		return nil, ErrCorrupt
	}

	var doc document
	if err := json.Unmarshal(plain, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if doc.Version != version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, doc.Version)
	}
	return doc.Contacts, nil
}
