package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"

	"github.com/awnumar/memguard"
	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	passwordIterations = 1000
	passwordMinLength  = 8
	passwordKeyLength  = 32
)

var _ Encrypter = (*Symmetric)(nil)

// Symmetric encrypts with AES in CBC mode and PKCS#7 padding. It provides
// confidentiality only: there is no authentication tag, so tampering is not
// detected.
type Symmetric struct {
	material *memguard.LockedBuffer
	keyLen   int
}

// NewSymmetric uses an explicit AES key (16, 24 or 32 bytes) and a 16 byte IV.
func NewSymmetric(key, iv []byte) (*Symmetric, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, errors.Wrapf(ErrInvalidKey, "aes key must be 16, 24 or 32 bytes, got %d", len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, errors.Wrapf(ErrInvalidKey, "iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}

	raw := make([]byte, 0, len(key)+len(iv))
	raw = append(raw, key...)
	raw = append(raw, iv...)
	return &Symmetric{
		material: memguard.NewBufferFromBytes(raw),
		keyLen:   len(key),
	}, nil
}

// NewSymmetricFromPassword derives a 256 bit key and the IV from password
// with PBKDF2-HMAC-SHA1. The password doubles as the salt; existing
// ciphertexts depend on this, so it must not change without a format marker.
func NewSymmetricFromPassword(password string) (*Symmetric, error) {
	pw := []byte(password)
	defer memguard.WipeBytes(pw)
	if len(pw) < passwordMinLength {
		return nil, errors.Wrapf(ErrInvalidKey, "password must be at least %d bytes", passwordMinLength)
	}

	derived := pbkdf2.Key(pw, pw, passwordIterations, passwordKeyLength+aes.BlockSize, sha1.New)
	defer memguard.WipeBytes(derived)
	return NewSymmetric(derived[:passwordKeyLength], derived[passwordKeyLength:])
}

func (s *Symmetric) block() (cipher.Block, []byte, error) {
	if s.material == nil || !s.material.IsAlive() {
		return nil, nil, ErrClosed
	}
	material := s.material.Bytes()
	block, err := aes.NewCipher(material[:s.keyLen])
	if err != nil {
		return nil, nil, errors.Wrap(ErrInvalidKey, err.Error())
	}
	return block, material[s.keyLen:], nil
}

func (s *Symmetric) Encrypt(data []byte) ([]byte, error) {
	block, iv, err := s.block()
	if err != nil {
		return nil, err
	}

	out := pkcs7Pad(data, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, out)
	return out, nil
}

func (s *Symmetric) Decrypt(data []byte) ([]byte, error) {
	block, iv, err := s.block()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errors.Wrapf(ErrCorrupt, "ciphertext length %d is not a multiple of the block size", len(data))
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return pkcs7Unpad(out, aes.BlockSize)
}

// Close destroys the key material.
func (s *Symmetric) Close() error {
	if s.material != nil && s.material.IsAlive() {
		s.material.Destroy()
	}
	return nil
}

func pkcs7Pad(data []byte, size int) []byte {
	n := size - len(data)%size
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(data []byte, size int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > size || n > len(data) {
		return nil, errors.Wrap(ErrCorrupt, "invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.Wrap(ErrCorrupt, "invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
