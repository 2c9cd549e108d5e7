package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxCiphertextBytes = 16384 // base64 ciphertext of one message
	MaxIVBytes         = 64
	MaxKeyBytes        = 4096 // exported public key (JWK or base64 SPKI)
)

// ValidateMessage checks the size of an encrypted message. The content
// itself is opaque.
func ValidateMessage(ciphertext, iv string) error {
	if len(ciphertext) == 0 || len(iv) == 0 {
		return fmt.Errorf("message or iv is empty")
	}
	if len(ciphertext) > MaxCiphertextBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxCiphertextBytes)
	}
	if len(iv) > MaxIVBytes {
		return fmt.Errorf("iv exceeds %d byte limit", MaxIVBytes)
	}
	return nil
}

// ValidateKey checks the size of exchanged key material.
func ValidateKey(key string) error {
	if len(key) == 0 {
		return fmt.Errorf("key is empty")
	}
	if len(key) > MaxKeyBytes {
		return fmt.Errorf("key exceeds %d byte limit", MaxKeyBytes)
	}
	if !utf8.ValidString(key) {
		return fmt.Errorf("key contains invalid UTF-8")
	}
	return nil
}
