package attachment

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"e2e_messenger/internal/cache"
	"e2e_messenger/internal/cryptographic/encryption"
	"e2e_messenger/internal/metrics"
	"e2e_messenger/internal/model"
	"e2e_messenger/internal/protocol/canonical"
)

// ErrDecryptionFailed covers every way a pointer or blob can fail to open.
var ErrDecryptionFailed = errors.New("attachment: decryption failed")

type Config struct {
	MaxEntries int
	MaxBytes   int64

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	NewID   func() string
}

// Encrypted is a sealed blob ready for upload plus the pointer that travels in the message.
type Encrypted struct {
	Pointer    model.AttachmentPointer
	Ciphertext []byte
}

// Service seals attachments and caches decrypted blobs by id.
type Service struct {
	cache *cache.LRU[string, []byte]
	log   *zap.Logger
	newID func() string
}

func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	s := &Service{
		cache: cache.NewLRU[string, []byte](cfg.MaxEntries, cfg.MaxBytes, func(b []byte) int64 { return int64(len(b)) }),
		log:   cfg.Logger.With(zap.String("component", "attachment")),
		newID: cfg.NewID,
	}
	cfg.Metrics.RegisterCache("attachment", s.cache.Stats)
	return s
}

// Encrypt seals content under a fresh file key and wraps that key for the recipient.
func (s *Service) Encrypt(content []byte, contentType, fileName string, recipientPub, senderPriv [encryption.KeySize]byte) (Encrypted, error) {
	key, err := encryption.GenerateKey()
	if err != nil {
		return Encrypted{}, err
	}
	nonce, err := encryption.GenerateNonce()
	if err != nil {
		return Encrypted{}, err
	}
	ct, err := encryption.SecretBoxSeal(content, nonce, key)
	if err != nil {
		return Encrypted{}, fmt.Errorf("seal attachment: %w", err)
	}
	kb, err := encryption.WrapKey(key, recipientPub, senderPriv)
	if err != nil {
		return Encrypted{}, fmt.Errorf("wrap file key: %w", err)
	}

	return Encrypted{
		Pointer: model.AttachmentPointer{
			BlobID:      s.newID(),
			Key:         canonical.EncodeBase64(kb.Ciphertext),
			KeyNonce:    canonical.EncodeBase64(kb.Nonce[:]),
			Nonce:       canonical.EncodeBase64(nonce[:]),
			ContentType: contentType,
			Size:        int64(len(content)),
			FileName:    fileName,
		},
		Ciphertext: ct,
	}, nil
}

// Decrypt opens ciphertext described by p. Only a successful open is cached.
func (s *Service) Decrypt(p model.AttachmentPointer, ciphertext []byte, senderPub, recipientPriv [encryption.KeySize]byte) ([]byte, error) {
	if cached, ok := s.cache.Get(p.BlobID); ok {
		return append([]byte(nil), cached...), nil
	}

	plain, err := open(p, ciphertext, senderPub, recipientPriv)
	if err != nil {
		s.log.Warn("attachment rejected", zap.String("blob_id", p.BlobID), zap.Error(err))
		return nil, ErrDecryptionFailed
	}

	if !s.cache.Put(p.BlobID, append([]byte(nil), plain...)) {
		s.log.Debug("attachment too large to cache", zap.String("blob_id", p.BlobID), zap.Int("size", len(plain)))
	}
	return plain, nil
}

// Cached returns a cached plaintext without touching the network or crypto.
func (s *Service) Cached(blobID string) ([]byte, bool) {
	b, ok := s.cache.Get(blobID)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b...), true
}

func (s *Service) Stats() cache.Stats {
	return s.cache.Stats()
}

func (s *Service) Clear() {
	s.cache.Clear()
}

func open(p model.AttachmentPointer, ciphertext []byte, senderPub, recipientPriv [encryption.KeySize]byte) ([]byte, error) {
	wrapped, err := canonical.DecodeBase64(p.Key)
	if err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}
	rawKeyNonce, err := canonical.DecodeBase64(p.KeyNonce)
	if err != nil {
		return nil, fmt.Errorf("key nonce: %w", err)
	}
	rawNonce, err := canonical.DecodeBase64(p.Nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	keyNonce, err := encryption.NonceFromBytes(rawKeyNonce)
	if err != nil {
		return nil, err
	}
	nonce, err := encryption.NonceFromBytes(rawNonce)
	if err != nil {
		return nil, err
	}

	key, err := encryption.UnwrapKey(encryption.KeyBox{Nonce: keyNonce, Ciphertext: wrapped}, senderPub, recipientPriv)
	if err != nil {
		return nil, fmt.Errorf("unwrap key: %w", err)
	}
	plain, err := encryption.SecretBoxOpen(ciphertext, nonce, key)
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	if p.Size > 0 && int64(len(plain)) != p.Size {
		return nil, fmt.Errorf("size mismatch: pointer says %d, got %d", p.Size, len(plain))
	}
	return plain, nil
}
