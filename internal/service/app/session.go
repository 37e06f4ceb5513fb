package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"e2e_messenger/internal/cache"
	"e2e_messenger/internal/config"
	"e2e_messenger/internal/cryptographic/encryption"
	"e2e_messenger/internal/metrics"
	"e2e_messenger/internal/model"
	"e2e_messenger/internal/service/attachment"
	"e2e_messenger/internal/service/backup"
	"e2e_messenger/internal/service/call"
	"e2e_messenger/internal/service/connection"
	"e2e_messenger/internal/service/inbound"
	"e2e_messenger/internal/service/outbox"
)

var ErrNotLoggedIn = errors.New("app: not logged in")

type (
	// KeyDirectory is the relay's account surface.
	KeyDirectory interface {
		UserKeys(ctx context.Context, whisperID string) (*model.UserKeys, error)
		Register(ctx context.Context, encPublicKey, signPublicKey string) (*model.RegisterResponse, error)
	}

	MessageStore interface {
		Save(ctx context.Context, rec model.MessageRecord) error
		Exists(ctx context.Context, messageID string) (bool, error)
		Get(ctx context.Context, messageID string) (*model.MessageRecord, error)
		UpdateStatus(ctx context.Context, messageID, status string) error
		ListByConversation(ctx context.Context, conversationID string) ([]model.MessageRecord, error)
	}

	ConversationStore interface {
		UpsertFromMessage(ctx context.Context, rec model.MessageRecord, incrementUnread bool) error
		MarkRead(ctx context.Context, conversationID string) error
		List(ctx context.Context) ([]model.Conversation, error)
	}

	ContactStore interface {
		Contact(ctx context.Context, whisperID string) (*model.Contact, error)
		Upsert(ctx context.Context, c model.Contact) error
		Delete(ctx context.Context, whisperID string) error
		List(ctx context.Context) ([]model.Contact, error)
		ReplaceAll(ctx context.Context, contacts []model.Contact) error
	}
)

type Deps struct {
	Messages      MessageStore
	Conversations ConversationStore
	Contacts      ContactStore
	CallRecords   call.RecordStore
	Outbox        outbox.Store
	Directory     KeyDirectory
	Backup        backup.Remote
	Dialer        connection.Dialer
	Media         call.Media
	// State keeps the identity between runs; nil means register on every login.
	State KV
}

// Session wires the delivery core for one account: it routes inbound frames,
// reacts to connection changes and owns login and logout.
type Session struct {
	cfg     config.Config
	deps    Deps
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	creds   *Credentials
	ui      *uiRelay

	Conn        *connection.Connection
	Outbox      *outbox.Queue
	Inbound     *inbound.Pipeline
	Calls       *call.Manager
	Attachments *attachment.Service
	Backup      *backup.Service
	dedupe      *cache.Dedupe

	mu          sync.Mutex
	profile     string
	cancel      context.CancelFunc
	authExpired bool
	onLogout    []func(forced bool)
}

func NewSession(cfg config.Config, deps Deps, logger *zap.Logger, m *metrics.Metrics) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Media == nil {
		deps.Media = noMedia{log: logger}
	}
	if cfg.Cache.DedupeMaxEntries <= 0 {
		cfg.Cache.DedupeMaxEntries = 10000
	}

	s := &Session{
		cfg:     cfg,
		deps:    deps,
		log:     logger.With(zap.String("component", "session")),
		metrics: m,
		now:     time.Now,
		creds:   &Credentials{},
		ui:      &uiRelay{},
		dedupe:  cache.NewDedupe(cfg.Cache.DedupeMaxEntries),
	}
	m.RegisterCache("dedupe", s.dedupe.Stats)

	s.Conn = connection.New(connection.Config{
		URL:         cfg.ServerURL,
		BaseDelay:   cfg.Reconnect.BaseDelay,
		MaxDelay:    cfg.Reconnect.MaxDelay,
		Jitter:      cfg.Reconnect.Jitter,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		Heartbeat:   cfg.Reconnect.Heartbeat,
		Logger:      logger,
		Metrics:     m,
	}, authDialer{inner: deps.Dialer, creds: s.creds})

	s.Outbox = outbox.New(outbox.Config{
		BaseDelay:   cfg.Outbox.BaseDelay,
		MaxDelay:    cfg.Outbox.MaxDelay,
		Jitter:      cfg.Outbox.Jitter,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		Tick:        cfg.Outbox.Tick,
		Logger:      logger,
		Metrics:     m,
	}, outbox.Deps{
		Sender:      s.Conn,
		Credentials: s.creds,
		Keys:        deps.Contacts,
		Store:       deps.Outbox,
		Messages:    deps.Messages,
	})

	s.Inbound = inbound.New(inbound.Config{
		Logger:  logger,
		Metrics: m,
	}, inbound.Deps{
		Messages:      deps.Messages,
		Conversations: deps.Conversations,
		Keys:          deps.Contacts,
		Credentials:   s.creds,
		Receipts:      s.Conn,
		Dedupe:        s.dedupe,
	})

	s.Calls = call.New(call.Config{
		RingTimeout: cfg.Call.RingTimeout,
		Logger:      logger,
		Metrics:     m,
	}, call.Deps{
		Sender:      s.Conn,
		Credentials: s.creds,
		Keys:        deps.Contacts,
		Media:       deps.Media,
		UI:          s.ui,
		Records:     deps.CallRecords,
	})

	s.Attachments = attachment.New(attachment.Config{
		MaxEntries: cfg.Cache.AttachmentMaxEntries,
		MaxBytes:   cfg.Cache.AttachmentMaxBytes,
		Logger:     logger,
		Metrics:    m,
	})

	if deps.Backup != nil {
		s.Backup = backup.New(deps.Backup, deps.Contacts, s.creds, logger)
	}

	s.Conn.OnFrame(s.handleFrame)
	s.Conn.OnStateChange(s.handleState)
	s.Outbox.OnAuthFailure(func() { s.forceLogout() })
	return s
}

// Credentials exposes the session identity, e.g. as a bearer token source.
func (s *Session) Credentials() *Credentials { return s.creds }

// SetUI attaches the call screen. Until then incoming calls ring without one.
func (s *Session) SetUI(ui call.UI) { s.ui.set(ui) }

// OnLogout registers a callback fired after every logout; forced is true for UNAUTHORIZED.
func (s *Session) OnLogout(fn func(forced bool)) {
	s.mu.Lock()
	s.onLogout = append(s.onLogout, fn)
	s.mu.Unlock()
}

// Login loads or registers the account for profile, restores the outbox and connects.
func (s *Session) Login(ctx context.Context, profile string) (model.Identity, error) {
	id, err := s.getIdentityAndRegisterIfNotExist(ctx, profile)
	if err != nil {
		return model.Identity{}, err
	}
	s.creds.Set(*id)

	if err := s.Outbox.Restore(ctx); err != nil {
		s.log.Warn("outbox restore failed", zap.Error(err))
	}
	s.Outbox.Resume()

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.profile = profile
	s.cancel = cancel
	s.authExpired = false
	s.mu.Unlock()

	go s.Outbox.Run(runCtx)
	s.Conn.Connect()
	return *id, nil
}

// Close stops background work without logging out.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.Conn.Disconnect()
}

// Logout disconnects and drops every piece of per-account state.
func (s *Session) Logout(ctx context.Context) error {
	return s.logout(ctx, false)
}

// forceLogout runs the logout path once per login after the server rejects the session.
func (s *Session) forceLogout() {
	s.mu.Lock()
	if s.authExpired {
		s.mu.Unlock()
		return
	}
	s.authExpired = true
	s.mu.Unlock()

	s.log.Warn("session rejected by server, logging out")
	s.Conn.MarkAuthExpired()
	if err := s.logout(context.Background(), true); err != nil {
		s.log.Error("forced logout", zap.Error(err))
	}
}

func (s *Session) logout(ctx context.Context, forced bool) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	profile := s.profile
	callbacks := slices.Clone(s.onLogout)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.Conn.Disconnect()
	s.Calls.EndCall(model.CallEndEnded)

	var errs []error
	if err := s.Outbox.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear outbox: %w", err))
	}
	s.dedupe.Clear()
	s.Attachments.Clear()
	s.creds.Clear()
	if s.deps.State != nil && profile != "" {
		if err := DeleteIdentity(ctx, s.deps.State, profile); err != nil {
			errs = append(errs, fmt.Errorf("delete identity: %w", err))
		}
	}

	s.log.Info("logged out", zap.Bool("forced", forced))
	for _, fn := range callbacks {
		fn(forced)
	}
	return errors.Join(errs...)
}

// SendText queues text for to and records it in the conversation list.
func (s *Session) SendText(ctx context.Context, to, text string) (string, error) {
	id, err := s.Outbox.Enqueue(ctx, text, to)
	if err != nil {
		return "", err
	}
	s.touchConversation(ctx, id)
	return id, nil
}

// SendAttachment seals content for to and queues the pointer. The returned
// ciphertext is what the caller uploads under the pointer's blob id.
func (s *Session) SendAttachment(ctx context.Context, to, caption, msgType, contentType, fileName string, content []byte) (string, []byte, error) {
	self := s.creds.Identity()
	if !self.Complete() {
		return "", nil, ErrNotLoggedIn
	}
	contact, err := s.deps.Contacts.Contact(ctx, to)
	if err != nil {
		return "", nil, err
	}
	if contact == nil || len(contact.EncPublicKey) != encryption.KeySize {
		return "", nil, outbox.ErrUnknownRecipient
	}

	var peerPub, ownPriv [encryption.KeySize]byte
	copy(peerPub[:], contact.EncPublicKey)
	copy(ownPriv[:], self.EncPrivateKey)
	enc, err := s.Attachments.Encrypt(content, contentType, fileName, peerPub, ownPriv)
	if err != nil {
		return "", nil, err
	}

	id, err := s.Outbox.EnqueueAttachment(ctx, caption, to, msgType, enc.Pointer)
	if err != nil {
		return "", nil, err
	}
	s.touchConversation(ctx, id)
	return id, enc.Ciphertext, nil
}

// OpenAttachment decrypts a received blob with the sender's key.
func (s *Session) OpenAttachment(ctx context.Context, rec model.MessageRecord, ciphertext []byte) ([]byte, error) {
	if rec.Attachment == nil {
		return nil, fmt.Errorf("message %s has no attachment", rec.MessageID)
	}
	self := s.creds.Identity()
	peer := rec.From
	if rec.Direction == model.DirectionOutgoing {
		peer = rec.To
	}
	contact, err := s.deps.Contacts.Contact(ctx, peer)
	if err != nil {
		return nil, err
	}
	if contact == nil || len(contact.EncPublicKey) != encryption.KeySize || len(self.EncPrivateKey) != encryption.KeySize {
		return nil, attachment.ErrDecryptionFailed
	}

	var peerPub, ownPriv [encryption.KeySize]byte
	copy(peerPub[:], contact.EncPublicKey)
	copy(ownPriv[:], self.EncPrivateKey)
	return s.Attachments.Decrypt(*rec.Attachment, ciphertext, peerPub, ownPriv)
}

func (s *Session) touchConversation(ctx context.Context, messageID string) {
	rec, err := s.deps.Messages.Get(ctx, messageID)
	if err != nil || rec == nil {
		return
	}
	if err := s.deps.Conversations.UpsertFromMessage(ctx, *rec, false); err != nil {
		s.log.Warn("conversation upsert failed", zap.Error(err))
	}
}

func (s *Session) handleState(st connection.State) {
	switch st.Kind {
	case connection.Connected:
		id := s.creds.Identity()
		if err := s.Conn.SendFrame(model.TypeFetchPending, "", model.FetchPendingPayload{SessionToken: id.SessionToken}); err != nil {
			s.log.Debug("fetch_pending not sent", zap.Error(err))
		}
		s.Outbox.ProcessQueue()
	case connection.Reconnecting, connection.Disconnected:
		s.Outbox.OnDisconnect()
		if c, ok := s.Calls.Current(); ok && st.Kind == connection.Reconnecting {
			s.log.Info("transport lost during call", zap.String("call_id", c.ID))
			s.Calls.EndCall(model.CallEndNetworkError)
		}
	}
}

// handleFrame routes every inbound frame. It runs on the connection's read goroutine.
func (s *Session) handleFrame(f *model.Frame) {
	ctx := context.Background()
	var err error

	switch f.Type {
	case model.TypeMessageAccepted:
		var p model.MessageAcceptedPayload
		if err = f.DecodePayload(&p); err == nil {
			s.Outbox.OnMessageAccepted(p.MessageID)
		}
	case model.TypeError:
		var p model.ErrorPayload
		if err = f.DecodePayload(&p); err == nil {
			s.handleServerError(f.RequestID, p)
		}
	case model.TypeMessageReceived:
		var env model.InboundEnvelope
		if err = f.DecodePayload(&env); err == nil {
			s.Inbound.HandleInbound(ctx, env)
		}
	case model.TypePendingMessages:
		var p model.PendingMessagesPayload
		if err = f.DecodePayload(&p); err == nil {
			s.Inbound.HandlePending(ctx, p.Messages)
		}
	case model.TypeDeliveryReceipt:
		var p model.DeliveryReceiptPayload
		if err = f.DecodePayload(&p); err == nil {
			err = s.Inbound.ApplyReceipt(ctx, p)
		}
	case model.TypeCallIncoming:
		var sig model.CallSignal
		if err = f.DecodePayload(&sig); err == nil {
			err = s.Calls.HandleIncoming(ctx, sig)
		}
	case model.TypeCallRinging:
		var p model.CallRingingPayload
		if err = f.DecodePayload(&p); err == nil {
			s.Calls.HandleRinging(p)
		}
	case model.TypeCallAnswer:
		var sig model.CallSignal
		if err = f.DecodePayload(&sig); err == nil {
			err = s.Calls.HandleAnswer(ctx, sig)
		}
	case model.TypeCallEnd:
		var sig model.CallSignal
		if err = f.DecodePayload(&sig); err == nil {
			s.Calls.HandleEnd(ctx, sig)
		}
	case model.TypeTurnCredentials:
		var creds model.TurnCredentials
		if err = f.DecodePayload(&creds); err == nil {
			s.Calls.HandleTurnCredentials(creds)
		}
	default:
		s.log.Debug("unhandled frame", zap.String("type", f.Type))
	}

	if err != nil {
		s.log.Debug("frame not applied", zap.String("type", f.Type), zap.Error(err))
	}
}

func (s *Session) handleServerError(requestID string, p model.ErrorPayload) {
	s.log.Warn("server error", zap.String("code", p.Code), zap.String("request_id", requestID), zap.String("message", p.Message))
	if requestID != "" && !s.Calls.HandleSignalError(requestID, p.Code) {
		s.Outbox.OnError(requestID, p.Code, p.Message)
	}
	if p.Code == model.ErrCodeUnauthorized {
		s.forceLogout()
	}
}

// uiRelay lets the call manager be built before the screen exists.
type uiRelay struct {
	mu sync.RWMutex
	ui call.UI
}

func (r *uiRelay) set(ui call.UI) {
	r.mu.Lock()
	r.ui = ui
	r.mu.Unlock()
}

func (r *uiRelay) ShowIncoming(c call.Call) {
	r.mu.RLock()
	ui := r.ui
	r.mu.RUnlock()
	if ui != nil {
		ui.ShowIncoming(c)
	}
}

func (r *uiRelay) Dismiss(callID string) {
	r.mu.RLock()
	ui := r.ui
	r.mu.RUnlock()
	if ui != nil {
		ui.Dismiss(callID)
	}
}

// noMedia stands in when no WebRTC stack is attached: signaling still runs end to end.
type noMedia struct {
	log *zap.Logger
}

func (m noMedia) Open(callID string, isVideo bool, turn *model.TurnCredentials) error {
	m.log.Debug("media open", zap.String("call_id", callID), zap.Bool("video", isVideo), zap.Bool("turn", turn != nil))
	return nil
}

func (m noMedia) SetRemoteDescription(callID, sdp string) error {
	m.log.Debug("remote description", zap.String("call_id", callID), zap.Int("sdp_bytes", len(sdp)))
	return nil
}

func (m noMedia) Close(callID string) {
	m.log.Debug("media closed", zap.String("call_id", callID))
}
