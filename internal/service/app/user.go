package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"e2e_messenger/internal/cryptographic/dh"
	"e2e_messenger/internal/cryptographic/signature"
	"e2e_messenger/internal/model"
	"e2e_messenger/internal/protocol/canonical"
	"e2e_messenger/internal/utils/log"
)

// getIdentityAndRegisterIfNotExist loads the stored account for profile or
// creates fresh key pairs and registers them with the relay.
func (s *Session) getIdentityAndRegisterIfNotExist(ctx context.Context, profile string) (*model.Identity, error) {
	if s.deps.State != nil {
		id, err := LoadIdentity(ctx, s.deps.State, profile)
		if err != nil {
			return nil, err
		}

		if id != nil && id.Complete() {
			return id, nil
		}
	}

	encPriv, encPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}

	signPub, signPriv, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, err
	}

	resp, err := s.deps.Directory.Register(ctx, canonical.EncodeBase64(encPub[:]), canonical.EncodeBase64(signPub))
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	id := &model.Identity{
		WhisperID:      resp.WhisperID,
		SessionToken:   resp.SessionToken,
		EncPrivateKey:  encPriv[:],
		SignPrivateKey: signPriv,
	}

	if s.deps.State != nil {
		if err := SaveIdentity(ctx, s.deps.State, profile, *id); err != nil {
			log.Warn("save identity failed", zap.Error(err))
		}
	}

	log.Info("registered", zap.String("whisper_id", id.WhisperID))
	return id, nil
}
