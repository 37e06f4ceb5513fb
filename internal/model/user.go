package model

import "go.mongodb.org/mongo-driver/bson/primitive"

// User is a registered account as seen by the relay.
type User struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	WhisperID     string             `bson:"whisper_id"`
	SessionToken  string             `bson:"session_token"`
	EncPublicKey  []byte             `bson:"enc_public_key"`
	SignPublicKey []byte             `bson:"sign_public_key"`
}

type (
	// RegisterRequest carries base64 public keys.
	RegisterRequest struct {
		EncPublicKey  string `json:"encPublicKey"`
		SignPublicKey string `json:"signPublicKey"`
	}

	RegisterResponse struct {
		WhisperID    string `json:"whisperId"`
		SessionToken string `json:"sessionToken"`
	}
)
