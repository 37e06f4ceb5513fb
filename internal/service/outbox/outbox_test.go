package outbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2e_messenger/internal/cryptographic/dh"
	"e2e_messenger/internal/cryptographic/encryption"
	"e2e_messenger/internal/cryptographic/signature"
	"e2e_messenger/internal/model"
	"e2e_messenger/internal/protocol/canonical"
)

type fakeSender struct {
	mu   sync.Mutex
	ok   bool
	sent []string
}

func (s *fakeSender) Send(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return s.ok
}

func (s *fakeSender) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *fakeSender) SetOK(ok bool) {
	s.mu.Lock()
	s.ok = ok
	s.mu.Unlock()
}

type staticCredentials struct{ id model.Identity }

func (c staticCredentials) Identity() model.Identity { return c.id }

type contactMap map[string]*model.Contact

func (m contactMap) Contact(_ context.Context, id string) (*model.Contact, error) {
	return m[id], nil
}

type statusLog struct {
	mu       sync.Mutex
	records  map[string]model.MessageRecord
	statuses map[string]string
}

func newStatusLog() *statusLog {
	return &statusLog{records: map[string]model.MessageRecord{}, statuses: map[string]string{}}
}

func (l *statusLog) Save(_ context.Context, rec model.MessageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[rec.MessageID] = rec
	l.statuses[rec.MessageID] = rec.Status
	return nil
}

func (l *statusLog) UpdateStatus(_ context.Context, id, status string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[id] = status
	return nil
}

func (l *statusLog) Status(id string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statuses[id]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	queue       *Queue
	sender      *fakeSender
	clock       *fakeClock
	messages    *statusLog
	store       *MemoryStore
	identity    model.Identity
	signPub     []byte
	encPub      [32]byte
	peerPriv    [32]byte
	contacts    contactMap
	deps        Deps
	cfg         Config
	authFailure int
}

const peer = "WSP-PEER-0001"

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	encPriv, encPub, err := dh.NewX25519KeyPair()
	require.NoError(t, err)
	signPub, signPriv, err := signature.NewEd25519Keypair()
	require.NoError(t, err)
	peerPriv, peerPub, err := dh.NewX25519KeyPair()
	require.NoError(t, err)

	f := &fixture{
		sender:   &fakeSender{ok: true},
		clock:    &fakeClock{now: time.Unix(1_700_000_000, 0)},
		messages: newStatusLog(),
		store:    NewMemoryStore(),
		identity: model.Identity{
			WhisperID:      "WSP-SELF-0001",
			SessionToken:   "session-token",
			EncPrivateKey:  encPriv[:],
			SignPrivateKey: signPriv,
		},
		signPub:  signPub,
		encPub:   encPub,
		peerPriv: peerPriv,
		contacts: contactMap{peer: {WhisperID: peer, EncPublicKey: peerPub[:]}},
	}

	var (
		seqMu sync.Mutex
		seq   int
	)
	cfg.Now = f.clock.Now
	cfg.NewID = func() string {
		seqMu.Lock()
		defer seqMu.Unlock()
		seq++
		return fmt.Sprintf("id-%04d", seq)
	}
	f.cfg = cfg
	f.deps = Deps{
		Sender:      f.sender,
		Credentials: staticCredentials{f.identity},
		Keys:        f.contacts,
		Store:       f.store,
		Messages:    f.messages,
	}
	f.queue = New(cfg, f.deps)
	f.queue.OnAuthFailure(func() { f.authFailure++ })
	return f
}

func decodeSend(t *testing.T, text string) (*model.Frame, model.SendMessagePayload) {
	t.Helper()
	frame, err := model.DecodeFrame([]byte(text))
	require.NoError(t, err)
	require.Equal(t, model.TypeSendMessage, frame.Type)
	var p model.SendMessagePayload
	require.NoError(t, frame.DecodePayload(&p))
	return frame, p
}

func TestEnqueueSendsSignedEncryptedPayload(t *testing.T) {
	f := newFixture(t, Config{})

	id, err := f.queue.Enqueue(context.Background(), "selam", peer)
	require.NoError(t, err)

	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	frame, p := decodeSend(t, sent[0])
	assert.NotEmpty(t, frame.RequestID)
	assert.Equal(t, id, p.MessageID)
	assert.Equal(t, f.identity.WhisperID, p.From)
	assert.Equal(t, peer, p.To)
	assert.Equal(t, "session-token", p.SessionToken)
	assert.Equal(t, model.ProtocolVersion, p.ProtocolVersion)
	assert.Equal(t, model.CryptoVersion, p.CryptoVersion)

	nonce, err := canonical.DecodeBase64(p.Nonce)
	require.NoError(t, err)
	assert.Len(t, nonce, encryption.NonceSize)
	ct, err := canonical.DecodeBase64(p.Ciphertext)
	require.NoError(t, err)
	assert.Len(t, ct, len("selam")+encryption.Overhead)
	sig, err := canonical.DecodeBase64(p.Sig)
	require.NoError(t, err)
	assert.Len(t, sig, signature.SignatureSize)

	fields := canonical.Fields{
		MessageType: model.TypeSendMessage,
		MessageID:   p.MessageID,
		From:        p.From,
		ToOrGroupID: p.To,
		Timestamp:   p.Timestamp,
		Nonce:       nonce,
		Ciphertext:  ct,
	}
	require.NoError(t, canonical.Verify(fields, sig, f.signPub))

	n, err := encryption.NonceFromBytes(nonce)
	require.NoError(t, err)
	plain, err := encryption.BoxOpen(ct, n, f.encPub, f.peerPriv)
	require.NoError(t, err)
	assert.Equal(t, "selam", string(plain))

	items := f.queue.Items()
	require.Len(t, items, 1)
	assert.Equal(t, model.OutboxSending, items[0].Status)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Equal(t, model.MessageStatusPending, f.messages.Status(id))
}

func TestEnqueueAttachmentCarriesPointer(t *testing.T) {
	f := newFixture(t, Config{})
	ptr := model.AttachmentPointer{BlobID: "blob-1", Key: "a2V5", KeyNonce: "bm9uY2U=", Nonce: "bg==", ContentType: "image/png", Size: 42}

	_, err := f.queue.EnqueueAttachment(context.Background(), "look", peer, model.MsgTypeImage, ptr)
	require.NoError(t, err)

	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	_, p := decodeSend(t, sent[0])
	assert.Equal(t, model.MsgTypeImage, p.MsgType)
	require.NotNil(t, p.Attachment)
	assert.Equal(t, ptr, *p.Attachment)

	_, err = f.queue.EnqueueAttachment(context.Background(), "", peer, "", ptr)
	require.NoError(t, err)
	items := f.queue.Items()
	require.Len(t, items, 2)
	assert.Equal(t, model.MsgTypeFile, items[1].Payload.MsgType)
}

func TestEnqueueRejectsMissingInputs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(f *fixture)
		to      string
		wantErr error
	}{
		{
			name:    "no session token",
			mutate:  func(f *fixture) { f.deps.Credentials = staticCredentials{model.Identity{WhisperID: "x", EncPrivateKey: make([]byte, 32), SignPrivateKey: make([]byte, 64)}} },
			to:      peer,
			wantErr: ErrMissingCredentials,
		},
		{
			name:    "no signing key",
			mutate:  func(f *fixture) { id := f.identity; id.SignPrivateKey = nil; f.deps.Credentials = staticCredentials{id} },
			to:      peer,
			wantErr: ErrMissingCredentials,
		},
		{
			name:    "unknown recipient",
			mutate:  func(*fixture) {},
			to:      "WSP-NOBODY",
			wantErr: ErrUnknownRecipient,
		},
		{
			name:    "recipient without encryption key",
			mutate:  func(f *fixture) { f.contacts["WSP-NOKEY"] = &model.Contact{WhisperID: "WSP-NOKEY"} },
			to:      "WSP-NOKEY",
			wantErr: ErrUnknownRecipient,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			tc.mutate(f)
			q := New(f.cfg, f.deps)

			id, err := q.Enqueue(context.Background(), "hi", tc.to)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Empty(t, id)
			assert.Empty(t, f.sender.Sent())
			assert.Empty(t, q.Items())
		})
	}
}

func TestSingleFlightFIFO(t *testing.T) {
	const n = 100
	f := newFixture(t, Config{})
	ctx := context.Background()

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := f.queue.Enqueue(ctx, fmt.Sprintf("message %d", i), peer)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Len(t, f.sender.Sent(), 1)
	items := f.queue.Items()
	require.Len(t, items, n)
	assert.Equal(t, model.OutboxSending, items[0].Status)
	for _, it := range items[1:] {
		assert.Equal(t, model.OutboxQueued, it.Status)
	}

	for k := 0; k < n; k++ {
		sending := 0
		for _, it := range f.queue.Items() {
			if it.Status == model.OutboxSending {
				sending++
			}
		}
		require.Equal(t, 1, sending)

		f.queue.OnMessageAccepted(ids[k])
		if k+1 < n {
			head := f.queue.Items()[0]
			assert.Equal(t, ids[k+1], head.MessageID)
			assert.Equal(t, model.OutboxSending, head.Status)
		}
	}

	sent := f.sender.Sent()
	require.Len(t, sent, n)
	for i, text := range sent {
		_, p := decodeSend(t, text)
		assert.Equal(t, ids[i], p.MessageID)
	}
	assert.Empty(t, f.queue.Items())
	assert.Equal(t, model.MessageStatusSent, f.messages.Status(ids[n-1]))
}

func TestConcurrentEnqueueKeepsSingleFlight(t *testing.T) {
	const n = 50
	f := newFixture(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.queue.Enqueue(ctx, fmt.Sprintf("message %d", i), peer)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, f.sender.Sent(), 1)
	items := f.queue.Items()
	require.Len(t, items, n)

	order := make([]string, 0, n)
	seen := map[string]bool{}
	for i, it := range items {
		if i == 0 {
			assert.Equal(t, model.OutboxSending, it.Status)
		} else {
			assert.Equal(t, model.OutboxQueued, it.Status)
		}
		assert.False(t, seen[it.MessageID], "duplicate %s", it.MessageID)
		seen[it.MessageID] = true
		order = append(order, it.MessageID)
	}

	for k, id := range order {
		require.Len(t, f.sender.Sent(), k+1)
		f.queue.OnMessageAccepted(id)
	}

	sent := f.sender.Sent()
	require.Len(t, sent, n)
	for i, text := range sent {
		_, p := decodeSend(t, text)
		assert.Equal(t, order[i], p.MessageID)
	}
	assert.Empty(t, f.queue.Items())
}

func TestMaxAttemptsExhausted(t *testing.T) {
	f := newFixture(t, Config{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 3})
	f.sender.SetOK(false)

	id, err := f.queue.Enqueue(context.Background(), "merhaba", peer)
	require.NoError(t, err)

	item := f.queue.Items()[0]
	assert.Equal(t, model.OutboxQueued, item.Status)
	assert.Equal(t, 1, item.Attempts)
	require.NotNil(t, item.NextRetryAt)
	assert.Equal(t, f.clock.Now().Add(time.Second), *item.NextRetryAt)

	// not due yet
	f.queue.ProcessQueue()
	assert.Len(t, f.sender.Sent(), 1)

	f.clock.Advance(time.Second)
	f.queue.ProcessQueue()
	item = f.queue.Items()[0]
	assert.Equal(t, 2, item.Attempts)
	require.NotNil(t, item.NextRetryAt)
	assert.Equal(t, f.clock.Now().Add(2*time.Second), *item.NextRetryAt)

	f.clock.Advance(2 * time.Second)
	f.queue.ProcessQueue()

	assert.Empty(t, f.queue.Items())
	failed := f.queue.FailedItems()
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].MessageID)
	assert.Equal(t, model.OutboxFailed, failed[0].Status)
	assert.Equal(t, model.ErrCodeMaxAttempts, failed[0].FailedCode)
	assert.Nil(t, failed[0].NextRetryAt)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Len(t, f.sender.Sent(), 3)
	assert.Equal(t, model.MessageStatusFailed, f.messages.Status(id))
}

func TestPermanentErrorsFailWithoutRetry(t *testing.T) {
	for _, code := range []string{
		model.ErrCodeInvalidSignature,
		model.ErrCodeRecipientNotFound,
		model.ErrCodeInvalidPayload,
	} {
		t.Run(code, func(t *testing.T) {
			f := newFixture(t, Config{})
			ctx := context.Background()
			first, err := f.queue.Enqueue(ctx, "one", peer)
			require.NoError(t, err)
			second, err := f.queue.Enqueue(ctx, "two", peer)
			require.NoError(t, err)

			req := f.queue.Items()[0].RequestID
			f.queue.OnError(req, code, "rejected")

			failed := f.queue.FailedItems()
			require.Len(t, failed, 1)
			assert.Equal(t, first, failed[0].MessageID)
			assert.Equal(t, code, failed[0].FailedCode)
			assert.Equal(t, "rejected", failed[0].FailedMessage)
			assert.Nil(t, failed[0].NextRetryAt)
			assert.Equal(t, 1, failed[0].Attempts)

			head := f.queue.Items()[0]
			assert.Equal(t, second, head.MessageID)
			assert.Equal(t, model.OutboxSending, head.Status)
			assert.False(t, f.queue.IsPaused())
			assert.Zero(t, f.authFailure)
		})
	}
}

func TestTransientErrorSchedulesRetry(t *testing.T) {
	f := newFixture(t, Config{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 5})
	_, err := f.queue.Enqueue(context.Background(), "hello", peer)
	require.NoError(t, err)

	req := f.queue.Items()[0].RequestID
	f.queue.OnError(req, model.ErrCodeRateLimited, "slow down")

	item := f.queue.Items()[0]
	assert.Equal(t, model.OutboxQueued, item.Status)
	assert.Equal(t, 1, item.Attempts)
	require.NotNil(t, item.NextRetryAt)
	assert.True(t, item.NextRetryAt.After(f.clock.Now()))

	// stale correlation ids are ignored
	f.queue.OnError(req, model.ErrCodeInternal, "again")
	assert.Equal(t, 1, f.queue.Items()[0].Attempts)

	f.clock.Advance(time.Second)
	f.queue.ProcessQueue()
	item = f.queue.Items()[0]
	assert.Equal(t, model.OutboxSending, item.Status)
	assert.Equal(t, 2, item.Attempts)
	assert.NotEqual(t, req, item.RequestID)

	frame, _ := decodeSend(t, f.sender.Sent()[1])
	assert.Equal(t, item.RequestID, frame.RequestID)
}

func TestUnauthorizedPausesQueue(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.queue.Enqueue(ctx, "one", peer)
	require.NoError(t, err)
	second, err := f.queue.Enqueue(ctx, "two", peer)
	require.NoError(t, err)

	req := f.queue.Items()[0].RequestID
	f.queue.OnError(req, model.ErrCodeUnauthorized, "token expired")

	assert.True(t, f.queue.IsPaused())
	assert.Equal(t, 1, f.authFailure)
	failed := f.queue.FailedItems()
	require.Len(t, failed, 1)
	assert.Equal(t, model.ErrCodeUnauthorized, failed[0].FailedCode)
	assert.Nil(t, failed[0].NextRetryAt)

	f.queue.ProcessQueue()
	_, err = f.queue.Enqueue(ctx, "three", peer)
	require.NoError(t, err)
	assert.Len(t, f.sender.Sent(), 1)
	assert.Equal(t, 1, f.authFailure)

	f.queue.Resume()
	assert.False(t, f.queue.IsPaused())
	sent := f.sender.Sent()
	require.Len(t, sent, 2)
	_, p := decodeSend(t, sent[1])
	assert.Equal(t, second, p.MessageID)
}

func TestOnDisconnectRequeuesInFlight(t *testing.T) {
	f := newFixture(t, Config{BaseDelay: time.Second, MaxDelay: time.Minute})
	_, err := f.queue.Enqueue(context.Background(), "hello", peer)
	require.NoError(t, err)
	require.Equal(t, model.OutboxSending, f.queue.Items()[0].Status)

	f.queue.OnDisconnect()

	item := f.queue.Items()[0]
	assert.Equal(t, model.OutboxQueued, item.Status)
	require.NotNil(t, item.NextRetryAt)
	assert.True(t, item.NextRetryAt.After(f.clock.Now()))
	assert.Equal(t, 1, item.Attempts)

	f.queue.OnDisconnect()
	assert.Equal(t, 1, f.queue.Items()[0].Attempts)
}

func TestRetryFailedItem(t *testing.T) {
	f := newFixture(t, Config{})
	id, err := f.queue.Enqueue(context.Background(), "hello", peer)
	require.NoError(t, err)
	f.queue.OnError(f.queue.Items()[0].RequestID, model.ErrCodeRecipientNotFound, "gone")
	require.Len(t, f.queue.FailedItems(), 1)

	assert.ErrorIs(t, f.queue.Retry("missing"), ErrNotFound)
	require.NoError(t, f.queue.Retry(id))

	assert.Empty(t, f.queue.FailedItems())
	item := f.queue.Items()[0]
	assert.Equal(t, id, item.MessageID)
	assert.Equal(t, model.OutboxSending, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Empty(t, item.FailedCode)
}

func TestRestoreFromStore(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.sender.SetOK(false)

	first, err := f.queue.Enqueue(ctx, "one", peer)
	require.NoError(t, err)
	f.clock.Advance(time.Millisecond)
	second, err := f.queue.Enqueue(ctx, "two", peer)
	require.NoError(t, err)
	f.clock.Advance(time.Millisecond)
	third, err := f.queue.Enqueue(ctx, "three", peer)
	require.NoError(t, err)

	// third goes terminal while the head waits for its retry
	items := f.queue.Items()
	require.Len(t, items, 3)
	f.queue.fail(third, "", model.ErrCodeInvalidPayload, "bad")

	restored := New(f.cfg, f.deps)
	require.NoError(t, restored.Restore(ctx))

	live := restored.Items()
	require.Len(t, live, 2)
	assert.Equal(t, first, live[0].MessageID)
	assert.Equal(t, second, live[1].MessageID)
	for _, it := range live {
		assert.Equal(t, model.OutboxQueued, it.Status)
	}
	failed := restored.FailedItems()
	require.Len(t, failed, 1)
	assert.Equal(t, third, failed[0].MessageID)

	require.NoError(t, restored.Clear(ctx))
	all, err := f.store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

type fakeHash struct {
	data map[string]map[string]string
}

func (h *fakeHash) HSet(_ context.Context, key, field string, value any) error {
	if h.data[key] == nil {
		h.data[key] = map[string]string{}
	}
	switch v := value.(type) {
	case []byte:
		h.data[key][field] = string(v)
	case string:
		h.data[key][field] = v
	}
	return nil
}

func (h *fakeHash) HGetAll(_ context.Context, key string) (map[string]string, error) {
	out := map[string]string{}
	for k, v := range h.data[key] {
		out[k] = v
	}
	return out, nil
}

func (h *fakeHash) HDel(_ context.Context, key string, fields ...string) error {
	for _, f := range fields {
		delete(h.data[key], f)
	}
	return nil
}

func (h *fakeHash) Del(_ context.Context, key string) error {
	delete(h.data, key)
	return nil
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	h := &fakeHash{data: map[string]map[string]string{}}
	s := NewRedisStore(h, "WSP-SELF")

	next := time.Unix(1_700_000_100, 0).UTC()
	item := model.OutboxItem{
		MessageID:   "m1",
		RequestID:   "r1",
		Recipient:   peer,
		Status:      model.OutboxQueued,
		Attempts:    2,
		NextRetryAt: &next,
		CreatedAt:   time.Unix(1_700_000_000, 0).UTC(),
		Payload:     model.SendMessagePayload{MessageID: "m1", Nonce: "bm9uY2U="},
	}
	require.NoError(t, s.Save(ctx, item))
	assert.Contains(t, h.data, "outbox:WSP-SELF")

	loaded, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, item, loaded[0])

	require.NoError(t, s.Delete(ctx, "m1"))
	loaded, err = s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)

	h.data["outbox:WSP-SELF"] = map[string]string{"bad": "{"}
	_, err = s.LoadAll(ctx)
	assert.Error(t, err)
	require.NoError(t, s.Clear(ctx))
	assert.NotContains(t, h.data, "outbox:WSP-SELF")
}
