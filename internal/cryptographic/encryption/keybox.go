package encryption

// KeyBox is a symmetric key sealed for one recipient.
type KeyBox struct {
	Nonce      Nonce
	Ciphertext []byte
}

// WrapKey seals a 32-byte symmetric key for recipientPub.
func WrapKey(key [KeySize]byte, recipientPub, senderPriv [KeySize]byte) (KeyBox, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return KeyBox{}, err
	}
	ct, err := BoxSeal(key[:], nonce, recipientPub, senderPriv)
	if err != nil {
		return KeyBox{}, err
	}
	return KeyBox{Nonce: nonce, Ciphertext: ct}, nil
}

// UnwrapKey opens a key box. Anything other than a 32-byte plaintext is a failure.
func UnwrapKey(kb KeyBox, senderPub, recipientPriv [KeySize]byte) ([KeySize]byte, error) {
	var key [KeySize]byte
	raw, err := BoxOpen(kb.Ciphertext, kb.Nonce, senderPub, recipientPriv)
	if err != nil {
		return key, err
	}
	if len(raw) != KeySize {
		return key, ErrDecryptionFailed
	}
	copy(key[:], raw)
	return key, nil
}
