package model

import "time"

type (
	// Contact holds a peer's public keys (base64 on the wire, raw here).
	Contact struct {
		WhisperID     string    `json:"whisperId" bson:"_id"`
		DisplayName   string    `json:"displayName,omitempty" bson:"display_name,omitempty"`
		EncPublicKey  []byte    `json:"encPublicKey" bson:"enc_public_key"`
		SignPublicKey []byte    `json:"signPublicKey" bson:"sign_public_key"`
		IsBlocked     bool      `json:"isBlocked" bson:"is_blocked"`
		AddedAt       time.Time `json:"addedAt" bson:"added_at"`
		UpdatedAt     time.Time `json:"updatedAt" bson:"updated_at"`
	}

	// UserKeys is the public key bundle served by the key directory.
	UserKeys struct {
		WhisperID     string `json:"whisperId"`
		EncPublicKey  string `json:"encPublicKey"`
		SignPublicKey string `json:"signPublicKey"`
	}

	// Identity is the local account's credentials. Any empty field means absent.
	Identity struct {
		WhisperID      string
		SessionToken   string
		EncPrivateKey  []byte
		SignPrivateKey []byte
	}
)

// Complete reports whether every credential needed to send is present.
func (id Identity) Complete() bool {
	return id.WhisperID != "" && id.SessionToken != "" &&
		len(id.EncPrivateKey) == 32 && len(id.SignPrivateKey) == 64
}

type (
	// ContactsBackup is the body of /backup/contacts. EncryptedData is
	// base64(nonce || secretbox ciphertext).
	ContactsBackup struct {
		EncryptedData string `json:"encryptedData,omitempty"`
		UpdatedAt     int64  `json:"updatedAt,omitempty"`
	}

	DeleteResponse struct {
		Success bool `json:"success"`
	}

	HealthResponse struct {
		Status string `json:"status"`
	}
)
