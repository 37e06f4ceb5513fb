package call

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"e2e_messenger/internal/cache"
	"e2e_messenger/internal/cryptographic/encryption"
	"e2e_messenger/internal/cryptographic/signature"
	"e2e_messenger/internal/metrics"
	"e2e_messenger/internal/model"
	"e2e_messenger/internal/protocol/canonical"
	"e2e_messenger/internal/utils/log"
)

var (
	ErrBusy               = errors.New("call: another call is active")
	ErrNoActiveCall       = errors.New("call: no active call")
	ErrInvalidState       = errors.New("call: operation not valid in current state")
	ErrUnknownPeer        = errors.New("call: unknown peer")
	ErrMissingCredentials = errors.New("call: missing credentials")
	ErrNotConnected       = errors.New("call: transport not connected")
	ErrRejected           = errors.New("call: envelope rejected")
)

type Phase int

const (
	Idle Phase = iota
	Initiating
	Ringing
	IncomingRinging
	Connecting
	InCall
	Ended
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "IDLE"
	case Initiating:
		return "INITIATING"
	case Ringing:
		return "RINGING"
	case IncomingRinging:
		return "INCOMING_RINGING"
	case Connecting:
		return "CONNECTING"
	case InCall:
		return "IN_CALL"
	case Ended:
		return "ENDED"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Call is a snapshot of the active call.
type Call struct {
	ID        string
	Peer      string
	IsVideo   bool
	Direction string
	Phase     Phase
	StartedAt time.Time
	Reason    model.CallEndReason
}

type (
	Sender interface {
		Send(text string) bool
	}

	Credentials interface {
		Identity() model.Identity
	}

	KeyLookup interface {
		Contact(ctx context.Context, whisperID string) (*model.Contact, error)
	}

	// Media is the WebRTC side. Close must release everything opened for callID.
	Media interface {
		Open(callID string, isVideo bool, turn *model.TurnCredentials) error
		SetRemoteDescription(callID, sdp string) error
		Close(callID string)
	}

	// UI surfaces ringing calls. Dismiss removes any call screen for callID.
	UI interface {
		ShowIncoming(c Call)
		Dismiss(callID string)
	}

	RecordStore interface {
		SaveCallRecord(ctx context.Context, rec model.CallRecord) error
	}
)

type Config struct {
	RingTimeout time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	NewID   func() string
}

type Deps struct {
	Sender      Sender
	Credentials Credentials
	Keys        KeyLookup
	Media       Media
	UI          UI
	Records     RecordStore
}

// Manager drives one call at a time through its signaling states.
type Manager struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
	box  encryption.Box

	mu        sync.Mutex
	active    *Call
	ringTimer *time.Timer
	turn      *model.TurnCredentials
	// ended call ids; terminal transitions fire once per id
	ended *cache.LRU[string, struct{}]

	observersMu sync.RWMutex
	observers   []func(Call)
}

func New(cfg Config, deps Deps) *Manager {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Manager{
		cfg:   cfg,
		deps:  deps,
		log:   cfg.Logger.With(zap.String("component", "call")),
		ended: cache.NewLRU[string, struct{}](256, 0, nil),
	}
}

// OnStateChange registers an observer for every phase change.
func (m *Manager) OnStateChange(fn func(Call)) {
	m.observersMu.Lock()
	m.observers = append(m.observers, fn)
	m.observersMu.Unlock()
}

// Current returns the active call, if any.
func (m *Manager) Current() (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Call{Phase: Idle}, false
	}
	return *m.active, true
}

// RequestTurnCredentials asks the server for TURN credentials.
func (m *Manager) RequestTurnCredentials() error {
	id := m.deps.Credentials.Identity()
	if id.SessionToken == "" {
		return ErrMissingCredentials
	}
	return m.sendFrame(model.TypeGetTurnCredentials, "", model.GetTurnCredentialsPayload{SessionToken: id.SessionToken})
}

func (m *Manager) HandleTurnCredentials(creds model.TurnCredentials) {
	m.mu.Lock()
	m.turn = &creds
	m.mu.Unlock()
	m.log.Debug("turn credentials updated", zap.Int("urls", len(creds.URLs)), zap.Int("ttl", creds.TTL))
}

func (m *Manager) TurnCredentials() *model.TurnCredentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.turn == nil {
		return nil
	}
	t := *m.turn
	return &t
}

// StartCall sends a signed call_initiate carrying the encrypted offer.
func (m *Manager) StartCall(ctx context.Context, peer string, isVideo bool, offerSDP string) (string, error) {
	m.mu.Lock()
	busy := m.active != nil
	m.mu.Unlock()
	if busy {
		return "", ErrBusy
	}

	callID := m.cfg.NewID()
	signal, err := m.sealSignal(ctx, model.TypeCallInitiate, callID, peer, offerSDP)
	if err != nil {
		return "", err
	}
	signal.IsVideo = isVideo

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return "", ErrBusy
	}
	c := &Call{
		ID:        callID,
		Peer:      peer,
		IsVideo:   isVideo,
		Direction: model.DirectionOutgoing,
		Phase:     Initiating,
		StartedAt: m.cfg.Now(),
	}
	m.active = c
	m.armRingTimerLocked(callID)
	snap := *c
	m.mu.Unlock()

	if err := m.deps.Media.Open(callID, isVideo, m.TurnCredentials()); err != nil {
		m.terminate(callID, model.CallEndNetworkError, false)
		return "", fmt.Errorf("open media: %w", err)
	}
	if err := m.sendFrame(model.TypeCallInitiate, callID, signal); err != nil {
		m.terminate(callID, model.CallEndNetworkError, false)
		return "", err
	}

	m.log.Info("call started", zap.String("call_id", callID), zap.String("peer", log.Redact(peer)))
	m.notify(snap)
	return callID, nil
}

// HandleRinging moves an outgoing call from INITIATING to RINGING.
func (m *Manager) HandleRinging(p model.CallRingingPayload) {
	m.mu.Lock()
	if m.active == nil || m.active.ID != p.CallID || m.active.Phase != Initiating {
		m.mu.Unlock()
		return
	}
	m.active.Phase = Ringing
	snap := *m.active
	m.mu.Unlock()

	m.notify(snap)
}

// HandleSignalError ends an outgoing call whose call_initiate the relay
// refused. The call id doubles as the request id, so errors for other
// requests return false.
func (m *Manager) HandleSignalError(requestID, code string) bool {
	m.mu.Lock()
	c := m.active
	match := c != nil && c.ID == requestID && c.Direction == model.DirectionOutgoing
	m.mu.Unlock()
	if !match {
		return false
	}
	m.log.Info("call refused by relay", zap.String("call_id", requestID), zap.String("code", code))
	m.terminate(requestID, model.CallEndNetworkError, false)
	return true
}

// HandleAnswer applies the callee's answer to an outgoing call.
func (m *Manager) HandleAnswer(ctx context.Context, s model.CallSignal) error {
	sdp, err := m.openSignal(ctx, model.TypeCallAnswer, s)
	if err != nil {
		return err
	}

	m.mu.Lock()
	c := m.active
	if c == nil || c.ID != s.CallID || c.Direction != model.DirectionOutgoing ||
		(c.Phase != Initiating && c.Phase != Ringing) {
		m.mu.Unlock()
		return ErrInvalidState
	}
	c.Phase = Connecting
	m.stopRingTimerLocked()
	snap := *c
	m.mu.Unlock()

	if err := m.deps.Media.SetRemoteDescription(s.CallID, sdp); err != nil {
		m.EndCall(model.CallEndNetworkError)
		return fmt.Errorf("apply answer: %w", err)
	}
	m.notify(snap)
	return nil
}

// HandleIncoming verifies a call_incoming envelope. A rejected envelope never
// changes state; a valid one while another call is active is answered busy.
func (m *Manager) HandleIncoming(ctx context.Context, s model.CallSignal) error {
	sdp, err := m.openSignal(ctx, model.TypeCallInitiate, s)
	if err != nil {
		m.log.Warn("incoming call rejected", zap.String("call_id", s.CallID), zap.Error(err))
		return err
	}

	m.mu.Lock()
	if m.ended.Contains(s.CallID) || (m.active != nil && m.active.ID == s.CallID) {
		m.mu.Unlock()
		return ErrInvalidState
	}
	if m.active != nil {
		m.mu.Unlock()
		m.log.Info("busy, declining incoming call", zap.String("call_id", s.CallID))
		if err := m.sendEnd(ctx, s.CallID, s.From, model.CallEndBusy); err != nil {
			m.log.Warn("busy reply failed", zap.Error(err))
		}
		return ErrBusy
	}
	c := &Call{
		ID:        s.CallID,
		Peer:      s.From,
		IsVideo:   s.IsVideo,
		Direction: model.DirectionIncoming,
		Phase:     IncomingRinging,
		StartedAt: m.cfg.Now(),
	}
	m.active = c
	m.armRingTimerLocked(s.CallID)
	snap := *c
	m.mu.Unlock()

	if err := m.deps.Media.Open(s.CallID, s.IsVideo, m.TurnCredentials()); err != nil {
		m.terminate(s.CallID, model.CallEndNetworkError, true)
		return fmt.Errorf("open media: %w", err)
	}
	if err := m.deps.Media.SetRemoteDescription(s.CallID, sdp); err != nil {
		m.terminate(s.CallID, model.CallEndNetworkError, true)
		return fmt.Errorf("apply offer: %w", err)
	}

	id := m.deps.Credentials.Identity()
	ringing := model.CallRingingPayload{SessionToken: id.SessionToken, CallID: s.CallID, From: id.WhisperID, To: s.From}
	if err := m.sendFrame(model.TypeCallRinging, "", ringing); err != nil {
		m.log.Debug("ringing not sent", zap.Error(err))
	}

	m.deps.UI.ShowIncoming(snap)
	m.notify(snap)
	return nil
}

// Accept answers the ringing incoming call.
func (m *Manager) Accept(ctx context.Context, answerSDP string) error {
	m.mu.Lock()
	c := m.active
	if c == nil {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	if c.Phase != IncomingRinging {
		m.mu.Unlock()
		return ErrInvalidState
	}
	callID, peer := c.ID, c.Peer
	m.mu.Unlock()

	signal, err := m.sealSignal(ctx, model.TypeCallAnswer, callID, peer, answerSDP)
	if err != nil {
		return err
	}
	if err := m.sendFrame(model.TypeCallAnswer, "", signal); err != nil {
		return err
	}

	m.mu.Lock()
	if m.active == nil || m.active.ID != callID || m.active.Phase != IncomingRinging {
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.active.Phase = Connecting
	m.stopRingTimerLocked()
	snap := *m.active
	m.mu.Unlock()

	m.notify(snap)
	return nil
}

// Decline ends the ringing incoming call with reason declined.
func (m *Manager) Decline() {
	m.EndCall(model.CallEndDeclined)
}

// MediaConnected is reported by the media layer once ICE/DTLS is up.
func (m *Manager) MediaConnected(callID string) {
	m.mu.Lock()
	if m.active == nil || m.active.ID != callID || m.active.Phase != Connecting {
		m.mu.Unlock()
		return
	}
	m.active.Phase = InCall
	snap := *m.active
	m.mu.Unlock()

	m.notify(snap)
}

// EndCall terminates the active call locally and signals the peer. Repeated
// calls are no-ops.
func (m *Manager) EndCall(reason model.CallEndReason) {
	m.mu.Lock()
	c := m.active
	m.mu.Unlock()
	if c == nil {
		return
	}
	m.terminate(c.ID, reason, true)
}

// HandleEnd processes a peer's call_end. Ends for other call ids are ignored.
func (m *Manager) HandleEnd(ctx context.Context, s model.CallSignal) {
	m.mu.Lock()
	active := m.active != nil && m.active.ID == s.CallID
	m.mu.Unlock()
	if !active {
		return
	}
	if _, err := m.openSignal(ctx, model.TypeCallEnd, s); err != nil {
		m.log.Warn("call_end rejected", zap.String("call_id", s.CallID), zap.Error(err))
		return
	}
	m.terminate(s.CallID, model.ParseCallEndReason(s.Reason), false)
}

// terminate runs the terminal transition for callID at most once.
func (m *Manager) terminate(callID string, reason model.CallEndReason, signalPeer bool) bool {
	m.mu.Lock()
	c := m.active
	if c == nil || c.ID != callID || m.ended.Contains(callID) {
		m.mu.Unlock()
		return false
	}
	m.ended.Put(callID, struct{}{})
	m.active = nil
	m.stopRingTimerLocked()
	c.Phase = Ended
	c.Reason = reason
	snap := *c
	m.mu.Unlock()

	if signalPeer {
		if err := m.sendEnd(context.Background(), callID, c.Peer, reason); err != nil {
			m.log.Warn("call_end not sent", zap.String("call_id", callID), zap.Error(err))
		}
	}
	m.deps.Media.Close(callID)
	m.deps.UI.Dismiss(callID)

	if m.deps.Records != nil {
		rec := model.CallRecord{
			CallID:    callID,
			PeerID:    c.Peer,
			IsVideo:   c.IsVideo,
			Direction: c.Direction,
			Reason:    reason,
			StartedAt: c.StartedAt,
			EndedAt:   m.cfg.Now(),
		}
		if err := m.deps.Records.SaveCallRecord(context.Background(), rec); err != nil {
			m.log.Warn("save call record", zap.Error(err))
		}
	}

	m.cfg.Metrics.RecordCallEnded(string(reason))
	m.log.Info("call ended", zap.String("call_id", callID), zap.String("reason", string(reason)))
	m.notify(snap)
	m.notify(Call{Phase: Idle})
	return true
}

func (m *Manager) sendEnd(ctx context.Context, callID, peer string, reason model.CallEndReason) error {
	signal, err := m.sealSignal(ctx, model.TypeCallEnd, callID, peer, string(reason))
	if err != nil {
		return err
	}
	signal.Reason = string(reason)
	return m.sendFrame(model.TypeCallEnd, "", signal)
}

func (m *Manager) armRingTimerLocked(callID string) {
	m.stopRingTimerLocked()
	m.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() {
		m.mu.Lock()
		ringing := m.active != nil && m.active.ID == callID &&
			(m.active.Phase == Initiating || m.active.Phase == Ringing || m.active.Phase == IncomingRinging)
		m.mu.Unlock()
		if ringing {
			m.terminate(callID, model.CallEndNoAnswer, true)
		}
	})
}

func (m *Manager) stopRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

// sealSignal encrypts body for peer and signs it under msgType.
func (m *Manager) sealSignal(ctx context.Context, msgType, callID, peer, body string) (model.CallSignal, error) {
	id := m.deps.Credentials.Identity()
	if !id.Complete() {
		return model.CallSignal{}, ErrMissingCredentials
	}
	contact, err := m.deps.Keys.Contact(ctx, peer)
	if err != nil {
		return model.CallSignal{}, fmt.Errorf("lookup peer: %w", err)
	}
	if contact == nil || len(contact.EncPublicKey) != encryption.KeySize {
		return model.CallSignal{}, ErrUnknownPeer
	}

	var peerPub, ownPriv [encryption.KeySize]byte
	copy(peerPub[:], contact.EncPublicKey)
	copy(ownPriv[:], id.EncPrivateKey)
	nonce, ct, err := m.box.Encrypt([]byte(body), peerPub, ownPriv)
	if err != nil {
		return model.CallSignal{}, fmt.Errorf("encrypt signal: %w", err)
	}

	ts := m.cfg.Now().UnixMilli()
	sig, err := canonical.Sign(canonical.Fields{
		MessageType: msgType,
		MessageID:   callID,
		From:        id.WhisperID,
		ToOrGroupID: peer,
		Timestamp:   ts,
		Nonce:       nonce[:],
		Ciphertext:  ct,
	}, id.SignPrivateKey)
	if err != nil {
		return model.CallSignal{}, fmt.Errorf("sign signal: %w", err)
	}

	return model.CallSignal{
		ProtocolVersion: model.ProtocolVersion,
		CryptoVersion:   model.CryptoVersion,
		SessionToken:    id.SessionToken,
		CallID:          callID,
		From:            id.WhisperID,
		To:              peer,
		Timestamp:       ts,
		Nonce:           canonical.EncodeBase64(nonce[:]),
		Ciphertext:      canonical.EncodeBase64(ct),
		Sig:             canonical.EncodeBase64(sig),
	}, nil
}

// openSignal runs the same checks as inbound messages and returns the plaintext body.
func (m *Manager) openSignal(ctx context.Context, msgType string, s model.CallSignal) (string, error) {
	if s.CallID == "" || s.From == "" {
		return "", fmt.Errorf("%w: missing call id or sender", ErrRejected)
	}
	parts, err := canonical.DecodeParts(s.Nonce, s.Ciphertext, s.Sig, encryption.NonceSize, signature.SignatureSize)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRejected, err)
	}
	sender, err := m.deps.Keys.Contact(ctx, s.From)
	if err != nil {
		return "", fmt.Errorf("lookup sender: %w", err)
	}
	if sender == nil || len(sender.SignPublicKey) != signature.PublicKeySize || len(sender.EncPublicKey) != encryption.KeySize {
		return "", fmt.Errorf("%w: unknown sender", ErrRejected)
	}

	fields := canonical.Fields{
		MessageType: msgType,
		MessageID:   s.CallID,
		From:        s.From,
		ToOrGroupID: s.To,
		Timestamp:   s.Timestamp,
		Nonce:       parts.Nonce,
		Ciphertext:  parts.Ciphertext,
	}
	if err := canonical.Verify(fields, parts.Sig, sender.SignPublicKey); err != nil {
		return "", fmt.Errorf("%w: %w", ErrRejected, err)
	}

	id := m.deps.Credentials.Identity()
	if len(id.EncPrivateKey) != encryption.KeySize {
		return "", ErrMissingCredentials
	}
	var senderPub, ownPriv [encryption.KeySize]byte
	copy(senderPub[:], sender.EncPublicKey)
	copy(ownPriv[:], id.EncPrivateKey)
	nonce, _ := encryption.NonceFromBytes(parts.Nonce)
	body, err := m.box.Decrypt(parts.Ciphertext, nonce, senderPub, ownPriv)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return string(body), nil
}

func (m *Manager) sendFrame(msgType, requestID string, payload any) error {
	text, err := model.EncodeFrame(msgType, requestID, payload)
	if err != nil {
		return err
	}
	if !m.deps.Sender.Send(text) {
		return ErrNotConnected
	}
	return nil
}

func (m *Manager) notify(c Call) {
	m.observersMu.RLock()
	observers := slices.Clone(m.observers)
	m.observersMu.RUnlock()
	for _, fn := range observers {
		fn(c)
	}
}
