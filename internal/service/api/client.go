package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"e2e_messenger/internal/model"
)

var ErrNotFound = errors.New("api: not found")

// StatusError is returned for any non-2xx reply other than 404.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.Code, e.Body)
}

// Client talks to the relay's HTTP surface. Every request carries the
// session token as a bearer credential.
type Client struct {
	base  *url.URL
	http  *http.Client
	token func() string
}

func NewClient(baseURL string, httpClient *http.Client, token func() string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if token == nil {
		token = func() string { return "" }
	}
	return &Client{base: u, http: httpClient, token: token}, nil
}

// UserKeys fetches the public key bundle of whisperID.
func (c *Client) UserKeys(ctx context.Context, whisperID string) (*model.UserKeys, error) {
	var keys model.UserKeys
	path := fmt.Sprintf("/users/%s/keys", url.PathEscape(whisperID))
	if err := c.do(ctx, http.MethodGet, path, nil, &keys); err != nil {
		return nil, err
	}
	return &keys, nil
}

// Register creates an account on the relay for the given base64 public keys.
func (c *Client) Register(ctx context.Context, encPublicKey, signPublicKey string) (*model.RegisterResponse, error) {
	var out model.RegisterResponse
	in := model.RegisterRequest{EncPublicKey: encPublicKey, SignPublicKey: signPublicKey}
	if err := c.do(ctx, http.MethodPost, "/users", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PutContactsBackup(ctx context.Context, encryptedData string) (*model.ContactsBackup, error) {
	var out model.ContactsBackup
	if err := c.do(ctx, http.MethodPut, "/backup/contacts", model.ContactsBackup{EncryptedData: encryptedData}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetContactsBackup returns ErrNotFound when no backup exists.
func (c *Client) GetContactsBackup(ctx context.Context) (*model.ContactsBackup, error) {
	var out model.ContactsBackup
	if err := c.do(ctx, http.MethodGet, "/backup/contacts", nil, &out); err != nil {
		return nil, err
	}
	if out.EncryptedData == "" {
		return nil, ErrNotFound
	}
	return &out, nil
}

func (c *Client) DeleteContactsBackup(ctx context.Context) error {
	var out model.DeleteResponse
	return c.do(ctx, http.MethodDelete, "/backup/contacts", nil, &out)
}

func (c *Client) Health(ctx context.Context) error {
	var out model.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("api: unhealthy: %q", out.Status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	u := *c.base
	u.Path = c.base.Path + path

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
