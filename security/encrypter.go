// Package security provides reversible byte transforms used to protect
// stored values.
package security

import "github.com/pkg/errors"

var (
	// ErrInvalidKey reports unusable key material.
	ErrInvalidKey = errors.New("invalid key material")
	// ErrCorrupt reports ciphertext that is malformed for the encrypter.
	ErrCorrupt = errors.New("ciphertext is malformed")
	// ErrProtection reports ciphertext that cannot be opened in the current
	// user context, or key material that is not available to it.
	ErrProtection = errors.New("data protection failed")
	// ErrClosed is returned after an encrypter's key material was destroyed.
	ErrClosed = errors.New("encrypter is closed")
)

type Encrypter interface {
	Encrypt(data []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
}

var _ Encrypter = Null{}

// Null leaves data untouched.
type Null struct{}

func (Null) Encrypt(data []byte) ([]byte, error) {
	return data, nil
}

func (Null) Decrypt(data []byte) ([]byte, error) {
	return data, nil
}
