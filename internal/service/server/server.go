package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"e2e_messenger/internal/cryptographic/encryption"
	"e2e_messenger/internal/cryptographic/signature"
	"e2e_messenger/internal/model"
	"e2e_messenger/internal/protocol/canonical"
	"e2e_messenger/internal/service/backup"
	redisSvc "e2e_messenger/internal/service/redis"
	"e2e_messenger/internal/utils/log"
)

type (
	// UserStore returns nil, nil for unknown accounts.
	UserStore interface {
		GetByWhisperID(ctx context.Context, whisperID string) (*model.User, error)
		GetBySessionToken(ctx context.Context, token string) (*model.User, error)
		Create(ctx context.Context, user *model.User) (primitive.ObjectID, error)
	}

	// Store is the slice of the redis service the relay keeps queues and backups in.
	Store interface {
		RPush(ctx context.Context, key string, value ...any) error
		Drain(ctx context.Context, key string) ([]string, error)
		Set(ctx context.Context, key string, value any, ttl time.Duration) error
		Get(ctx context.Context, key string) (string, error)
		Del(ctx context.Context, key string) error
	}

	HttpServer struct {
		users        UserStore
		redisService Store
		turn         model.TurnCredentials
		now          func() time.Time
		upgrader     websocket.Upgrader

		mu     sync.RWMutex
		mapper map[string]*peer

		mounts map[string]http.Handler
	}
)

func NewHttpServer(users UserStore, redisService Store, turn model.TurnCredentials) *HttpServer {
	return &HttpServer{
		users:        users,
		redisService: redisService,
		turn:         turn,
		now:          time.Now,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		mapper: make(map[string]*peer),
	}
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.HandleWS()).Methods(http.MethodGet)
	r.HandleFunc("/health", s.Health()).Methods(http.MethodGet)
	r.HandleFunc("/users", s.Register()).Methods(http.MethodPost)
	r.HandleFunc("/users/{id}/keys", s.GetUserKeys()).Methods(http.MethodGet)
	r.HandleFunc("/backup/contacts", s.PutBackup()).Methods(http.MethodPut)
	r.HandleFunc("/backup/contacts", s.GetBackup()).Methods(http.MethodGet)
	r.HandleFunc("/backup/contacts", s.DeleteBackup()).Methods(http.MethodDelete)
	for path, h := range s.mounts {
		r.Handle(path, h)
	}
	return r
}

// Mount adds an extra handler, e.g. /metrics. Call it before Run.
func (s *HttpServer) Mount(path string, h http.Handler) {
	if s.mounts == nil {
		s.mounts = map[string]http.Handler{}
	}
	s.mounts[path] = h
}

// Run serves until ctx is cancelled.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HttpServer) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, model.HealthResponse{Status: "ok"})
	}
}

// Register creates an account for a pair of public keys and hands back its id and token.
func (s *HttpServer) Register() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}

		encPub, err := canonical.DecodeBase64(req.EncPublicKey)
		if err != nil || len(encPub) != encryption.KeySize {
			http.Error(w, "invalid encPublicKey", http.StatusBadRequest)
			return
		}
		signPub, err := canonical.DecodeBase64(req.SignPublicKey)
		if err != nil || len(signPub) != signature.PublicKeySize {
			http.Error(w, "invalid signPublicKey", http.StatusBadRequest)
			return
		}

		user := &model.User{
			WhisperID:     newWhisperID(),
			SessionToken:  uuid.NewString(),
			EncPublicKey:  encPub,
			SignPublicKey: signPub,
		}
		if _, err := s.users.Create(r.Context(), user); err != nil {
			log.Error("Register failed", zap.Error(err))
			http.Error(w, "register failed", http.StatusInternalServerError)
			return
		}

		log.Info("Register: ", zap.String("whisper_id", user.WhisperID))
		writeJSON(w, http.StatusCreated, model.RegisterResponse{WhisperID: user.WhisperID, SessionToken: user.SessionToken})
	}
}

func (s *HttpServer) GetUserKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		vars := mux.Vars(r)
		id := vars["id"]

		user, err := s.users.GetByWhisperID(ctx, id)
		if err != nil {
			log.Error("Get user keys failed", zap.Error(err))
			http.Error(w, "Get user keys failed", http.StatusInternalServerError)
			return
		}

		if user == nil {
			http.Error(w, "user does not exist", http.StatusNotFound)
			return
		}

		writeJSON(w, http.StatusOK, model.UserKeys{
			WhisperID:     user.WhisperID,
			EncPublicKey:  canonical.EncodeBase64(user.EncPublicKey),
			SignPublicKey: canonical.EncodeBase64(user.SignPublicKey),
		})
	}
}

func (s *HttpServer) PutBackup() http.HandlerFunc {
	return s.authed(func(w http.ResponseWriter, r *http.Request, user *model.User) {
		var in model.ContactsBackup
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2*backup.MaxSize)).Decode(&in); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if in.EncryptedData == "" {
			http.Error(w, "encryptedData is required", http.StatusBadRequest)
			return
		}
		if len(in.EncryptedData) > backup.MaxSize {
			http.Error(w, "backup too large", http.StatusRequestEntityTooLarge)
			return
		}

		out := model.ContactsBackup{EncryptedData: in.EncryptedData, UpdatedAt: s.now().UnixMilli()}
		if err := s.PutBackupToCache(r.Context(), user.WhisperID, out); err != nil {
			log.Error("PutBackupToCache failed", zap.Error(err))
			http.Error(w, "store backup failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
}

func (s *HttpServer) GetBackup() http.HandlerFunc {
	return s.authed(func(w http.ResponseWriter, r *http.Request, user *model.User) {
		b, err := s.GetBackupFromCache(r.Context(), user.WhisperID)
		if err != nil {
			log.Error("GetBackupFromCache failed", zap.Error(err))
			http.Error(w, "load backup failed", http.StatusInternalServerError)
			return
		}
		if b == nil {
			http.Error(w, "no backup", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, b)
	})
}

func (s *HttpServer) DeleteBackup() http.HandlerFunc {
	return s.authed(func(w http.ResponseWriter, r *http.Request, user *model.User) {
		if err := s.redisService.Del(r.Context(), backupKey(user.WhisperID)); err != nil {
			log.Error("delete backup failed", zap.Error(err))
			http.Error(w, "delete backup failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, model.DeleteResponse{Success: true})
	})
}

func (s *HttpServer) authed(next func(http.ResponseWriter, *http.Request, *model.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		user, err := s.users.GetBySessionToken(r.Context(), token)
		if err != nil {
			log.Error("token lookup failed", zap.Error(err))
			http.Error(w, "token lookup failed", http.StatusInternalServerError)
			return
		}
		if user == nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r, user)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("marshal response failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func newWhisperID() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return fmt.Sprintf("WSP-%s-%s", id[:4], id[4:8])
}

// isNil reports a missing redis key.
var isNil = redisSvc.IsNil
