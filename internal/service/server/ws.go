package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"e2e_messenger/internal/cryptographic/encryption"
	"e2e_messenger/internal/cryptographic/signature"
	"e2e_messenger/internal/model"
	"e2e_messenger/internal/protocol/canonical"
	"e2e_messenger/internal/utils/log"
)

type peer struct {
	user *model.User
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (p *peer) write(text string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// HandleWS authenticates ?token=&whisperId= and upgrades. A second connection
// for the same account replaces the first.
func (s *HttpServer) HandleWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		whisperID := r.URL.Query().Get("whisperId")
		if token == "" || whisperID == "" {
			http.Error(w, "token and whisperId are required", http.StatusBadRequest)
			return
		}

		user, err := s.users.GetBySessionToken(r.Context(), token)
		if err != nil {
			log.Error("token lookup failed", zap.Error(err))
			http.Error(w, "token lookup failed", http.StatusInternalServerError)
			return
		}
		if user == nil || user.WhisperID != whisperID {
			http.Error(w, "invalid session", http.StatusUnauthorized)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("upgrade failed", zap.Error(err))
			return
		}

		p := &peer{user: user, conn: conn}
		s.mu.Lock()
		old := s.mapper[whisperID]
		s.mapper[whisperID] = p
		s.mu.Unlock()
		if old != nil {
			old.conn.Close()
		}

		log.Info("peer connected", zap.String("whisper_id", log.Redact(whisperID)))
		go s.processWSMessage(p)
	}
}

func (s *HttpServer) processWSMessage(p *peer) {
	id := p.user.WhisperID
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			log.Debug("peer web socket closed", zap.String("whisper_id", log.Redact(id)), zap.Error(err))
			s.mu.Lock()
			if s.mapper[id] == p {
				delete(s.mapper, id)
			}
			s.mu.Unlock()
			p.conn.Close()
			return
		}

		frame, err := model.DecodeFrame(data)
		if err != nil {
			s.sendError(p, "", model.ErrCodeInvalidPayload, err.Error())
			continue
		}
		s.handleFrame(context.Background(), p, frame)
	}
}

func (s *HttpServer) handleFrame(ctx context.Context, p *peer, f *model.Frame) {
	switch f.Type {
	case model.TypePing:
		var ping model.PingPayload
		_ = f.DecodePayload(&ping)
		s.send(p, model.TypePong, "", model.PongPayload{Timestamp: ping.Timestamp, ServerTime: s.now().UnixMilli()})
	case model.TypeSendMessage:
		s.handleSendMessage(ctx, p, f)
	case model.TypeFetchPending:
		s.handleFetchPending(ctx, p, f)
	case model.TypeDeliveryReceipt:
		var receipt model.DeliveryReceiptPayload
		if err := f.DecodePayload(&receipt); err != nil {
			s.sendError(p, f.RequestID, model.ErrCodeInvalidPayload, err.Error())
			return
		}
		receipt.SessionToken = ""
		receipt.From = p.user.WhisperID
		s.forward(receipt.To, model.TypeDeliveryReceipt, receipt)
	case model.TypeCallInitiate:
		s.handleCallInitiate(ctx, p, f)
	case model.TypeCallAnswer, model.TypeCallEnd:
		var sig model.CallSignal
		if err := f.DecodePayload(&sig); err != nil || sig.From != p.user.WhisperID {
			s.sendError(p, f.RequestID, model.ErrCodeInvalidPayload, "invalid call signal")
			return
		}
		sig.SessionToken = ""
		s.forward(sig.To, f.Type, sig)
	case model.TypeCallRinging:
		var ringing model.CallRingingPayload
		if err := f.DecodePayload(&ringing); err != nil || ringing.From != p.user.WhisperID {
			s.sendError(p, f.RequestID, model.ErrCodeInvalidPayload, "invalid call_ringing")
			return
		}
		ringing.SessionToken = ""
		s.forward(ringing.To, model.TypeCallRinging, ringing)
	case model.TypeGetTurnCredentials:
		s.send(p, model.TypeTurnCredentials, f.RequestID, s.turn)
	default:
		s.sendError(p, f.RequestID, model.ErrCodeInvalidPayload, "unsupported type "+f.Type)
	}
}

// handleSendMessage authenticates, verifies the signature, acknowledges the
// sender and then delivers or queues for the recipient.
func (s *HttpServer) handleSendMessage(ctx context.Context, p *peer, f *model.Frame) {
	var msg model.SendMessagePayload
	if err := f.DecodePayload(&msg); err != nil {
		s.sendError(p, f.RequestID, model.ErrCodeInvalidPayload, err.Error())
		return
	}
	if msg.SessionToken != p.user.SessionToken || msg.From != p.user.WhisperID {
		s.sendError(p, f.RequestID, model.ErrCodeUnauthorized, "session does not match sender")
		return
	}
	if msg.MessageID == "" || msg.To == "" {
		s.sendError(p, f.RequestID, model.ErrCodeInvalidPayload, "messageId and to are required")
		return
	}

	parts, err := canonical.DecodeParts(msg.Nonce, msg.Ciphertext, msg.Sig, encryption.NonceSize, signature.SignatureSize)
	if err != nil {
		s.sendError(p, f.RequestID, model.ErrCodeInvalidPayload, err.Error())
		return
	}
	fields := canonical.Fields{
		MessageType: model.TypeSendMessage,
		MessageID:   msg.MessageID,
		From:        msg.From,
		ToOrGroupID: msg.To,
		Timestamp:   msg.Timestamp,
		Nonce:       parts.Nonce,
		Ciphertext:  parts.Ciphertext,
	}
	if err := canonical.Verify(fields, parts.Sig, p.user.SignPublicKey); err != nil {
		s.sendError(p, f.RequestID, model.ErrCodeInvalidSignature, err.Error())
		return
	}

	recipient, err := s.users.GetByWhisperID(ctx, msg.To)
	if err != nil {
		log.Error("recipient lookup failed", zap.Error(err))
		s.sendError(p, f.RequestID, model.ErrCodeInternal, "recipient lookup failed")
		return
	}
	if recipient == nil {
		s.sendError(p, f.RequestID, model.ErrCodeRecipientNotFound, "recipient not found")
		return
	}

	env := model.InboundEnvelope{
		MessageID:  msg.MessageID,
		From:       msg.From,
		To:         msg.To,
		MsgType:    msg.MsgType,
		Timestamp:  msg.Timestamp,
		Nonce:      msg.Nonce,
		Ciphertext: msg.Ciphertext,
		Sig:        msg.Sig,
		ReplyTo:    msg.ReplyTo,
		Attachment: msg.Attachment,
	}
	if !s.forward(msg.To, model.TypeMessageReceived, env) {
		if err := s.PutMessagesToCache(ctx, msg.To, []model.InboundEnvelope{env}); err != nil {
			log.Error("PutMessagesToCache failed", zap.Error(err))
			s.sendError(p, f.RequestID, model.ErrCodeInternal, "queue failed")
			return
		}
	}

	s.send(p, model.TypeMessageAccepted, f.RequestID, model.MessageAcceptedPayload{MessageID: msg.MessageID, Status: model.MessageStatusSent})
}

func (s *HttpServer) handleFetchPending(ctx context.Context, p *peer, f *model.Frame) {
	var req model.FetchPendingPayload
	if err := f.DecodePayload(&req); err != nil || req.SessionToken != p.user.SessionToken {
		s.sendError(p, f.RequestID, model.ErrCodeUnauthorized, "invalid session token")
		return
	}

	messages, err := s.GetMessagesFromCache(ctx, p.user.WhisperID)
	if err != nil {
		log.Error("GetMessagesFromCache failed", zap.Error(err))
		s.sendError(p, f.RequestID, model.ErrCodeInternal, "fetch failed")
		return
	}
	if messages == nil {
		messages = []model.InboundEnvelope{}
	}
	s.send(p, model.TypePendingMessages, f.RequestID, model.PendingMessagesPayload{Messages: messages})
}

// handleCallInitiate rings the callee as call_incoming and tells the caller it is ringing.
func (s *HttpServer) handleCallInitiate(ctx context.Context, p *peer, f *model.Frame) {
	var sig model.CallSignal
	if err := f.DecodePayload(&sig); err != nil || sig.From != p.user.WhisperID || sig.CallID == "" {
		s.sendError(p, f.RequestID, model.ErrCodeInvalidPayload, "invalid call_initiate")
		return
	}
	sig.SessionToken = ""
	if !s.forward(sig.To, model.TypeCallIncoming, sig) {
		s.sendError(p, f.RequestID, model.ErrCodeRecipientNotFound, "callee offline")
	}
}

// forward writes a frame to whisperID if it is online.
func (s *HttpServer) forward(whisperID, msgType string, payload any) bool {
	s.mu.RLock()
	target := s.mapper[whisperID]
	s.mu.RUnlock()
	if target == nil {
		return false
	}
	return s.send(target, msgType, "", payload)
}

func (s *HttpServer) send(p *peer, msgType, requestID string, payload any) bool {
	text, err := model.EncodeFrame(msgType, requestID, payload)
	if err != nil {
		log.Error("encode frame failed", zap.Error(err))
		return false
	}
	if err := p.write(text); err != nil {
		log.Debug("write failed", zap.String("type", msgType), zap.Error(err))
		return false
	}
	return true
}

func (s *HttpServer) sendError(p *peer, requestID, code, message string) {
	s.send(p, model.TypeError, requestID, model.ErrorPayload{Code: code, Message: message})
}

func (s *HttpServer) closeAll() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.mapper))
	for _, p := range s.mapper {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.conn.Close()
	}
}
