package server

import (
	"context"
	"encoding/json"
	"fmt"

	"e2e_messenger/internal/model"
)

func pendingKey(to string) string { return fmt.Sprintf("pending:%s", to) }
func backupKey(id string) string  { return fmt.Sprintf("backup:contacts:%s", id) }

// GetMessagesFromCache drains the offline queue of to.
func (c *HttpServer) GetMessagesFromCache(ctx context.Context, to string) ([]model.InboundEnvelope, error) {
	vals, err := c.redisService.Drain(ctx, pendingKey(to))
	if err != nil {
		return nil, err
	}

	var res []model.InboundEnvelope
	for _, v := range vals {
		var m model.InboundEnvelope
		err := json.Unmarshal([]byte(v), &m)
		if err != nil {
			return nil, err
		}

		res = append(res, m)
	}

	return res, nil
}

func (c *HttpServer) PutMessagesToCache(ctx context.Context, to string, messages []model.InboundEnvelope) error {
	var vals []any
	for _, m := range messages {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		vals = append(vals, data)
	}

	return c.redisService.RPush(ctx, pendingKey(to), vals...)
}

// GetBackupFromCache returns nil, nil when the account has no backup.
func (c *HttpServer) GetBackupFromCache(ctx context.Context, whisperID string) (*model.ContactsBackup, error) {
	v, err := c.redisService.Get(ctx, backupKey(whisperID))
	if isNil(err) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var b model.ContactsBackup
	if err := json.Unmarshal([]byte(v), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *HttpServer) PutBackupToCache(ctx context.Context, whisperID string, b model.ContactsBackup) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return c.redisService.Set(ctx, backupKey(whisperID), data, 0)
}
