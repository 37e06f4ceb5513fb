package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"e2e_messenger/internal/model"
	redisSvc "e2e_messenger/internal/service/redis"
)

// KV is the slice of the redis service used to keep the account between runs.
type KV interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
}

type storedIdentity struct {
	WhisperID      string `json:"whisperId"`
	SessionToken   string `json:"sessionToken"`
	EncPrivateKey  []byte `json:"encPrivateKey"`
	SignPrivateKey []byte `json:"signPrivateKey"`
}

func identityKey(profile string) string {
	return fmt.Sprintf("identity:%s", profile)
}

func SaveIdentity(ctx context.Context, kv KV, profile string, id model.Identity) error {
	data, err := json.Marshal(storedIdentity{
		WhisperID:      id.WhisperID,
		SessionToken:   id.SessionToken,
		EncPrivateKey:  id.EncPrivateKey,
		SignPrivateKey: id.SignPrivateKey,
	})
	if err != nil {
		return err
	}
	return kv.Set(ctx, identityKey(profile), data, 0)
}

// LoadIdentity returns nil, nil when profile has never logged in.
func LoadIdentity(ctx context.Context, kv KV, profile string) (*model.Identity, error) {
	v, err := kv.Get(ctx, identityKey(profile))
	if redisSvc.IsNil(err) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var s storedIdentity
	if err := json.Unmarshal([]byte(v), &s); err != nil {
		return nil, err
	}

	return &model.Identity{
		WhisperID:      s.WhisperID,
		SessionToken:   s.SessionToken,
		EncPrivateKey:  s.EncPrivateKey,
		SignPrivateKey: s.SignPrivateKey,
	}, nil
}

func DeleteIdentity(ctx context.Context, kv KV, profile string) error {
	return kv.Del(ctx, identityKey(profile))
}
