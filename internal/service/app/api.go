package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"e2e_messenger/internal/cryptographic/encryption"
	"e2e_messenger/internal/cryptographic/signature"
	"e2e_messenger/internal/model"
	"e2e_messenger/internal/protocol/canonical"
	"e2e_messenger/internal/service/api"
	"e2e_messenger/internal/service/connection"
)

var ErrUnknownUser = errors.New("app: user not found")

// authDialer adds the current session to the websocket URL on every dial, so
// a reconnect after re-login picks up the new token.
type authDialer struct {
	inner connection.Dialer
	creds *Credentials
}

func (d authDialer) Dial(ctx context.Context, rawURL string) (connection.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	id := d.creds.Identity()
	params := u.Query()
	params.Set("token", id.SessionToken)
	params.Set("whisperId", id.WhisperID)
	u.RawQuery = params.Encode()

	return d.inner.Dial(ctx, u.String())
}

// AddContact fetches whisperID's public keys from the directory and stores them.
func (s *Session) AddContact(ctx context.Context, whisperID, displayName string) (*model.Contact, error) {
	keys, err := s.deps.Directory.UserKeys(ctx, whisperID)
	if errors.Is(err, api.ErrNotFound) {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, err
	}

	encPub, err := canonical.DecodeBase64(keys.EncPublicKey)
	if err != nil || len(encPub) != encryption.KeySize {
		return nil, fmt.Errorf("invalid encryption key for %s", whisperID)
	}
	signPub, err := canonical.DecodeBase64(keys.SignPublicKey)
	if err != nil || len(signPub) != signature.PublicKeySize {
		return nil, fmt.Errorf("invalid signing key for %s", whisperID)
	}

	now := s.now()
	c := model.Contact{
		WhisperID:     whisperID,
		DisplayName:   displayName,
		EncPublicKey:  encPub,
		SignPublicKey: signPub,
		AddedAt:       now,
		UpdatedAt:     now,
	}
	if existing, err := s.deps.Contacts.Contact(ctx, whisperID); err == nil && existing != nil {
		c.AddedAt = existing.AddedAt
		c.IsBlocked = existing.IsBlocked
		if displayName == "" {
			c.DisplayName = existing.DisplayName
		}
	}

	if err := s.deps.Contacts.Upsert(ctx, c); err != nil {
		return nil, err
	}
	return &c, nil
}
