package security

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"io"
	"os"
	"os/user"
	"path/filepath"

	"github.com/awnumar/memguard"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	protectedMagic   = "SPD1"
	fingerprintSize  = 16
	keyCheckSize     = 8
	protectedHeader  = len(protectedMagic) + fingerprintSize + keyCheckSize
	masterKeySize    = 32
	protectedKDFInfo = "stash-protect-v1:"
)

var _ Encrypter = (*Protected)(nil)

// Protected binds ciphertext to the current user. The working key is derived
// from a per-user master key file and the user's identity, so data sealed by
// one user cannot be opened by another, nor by the same account on another
// machine.
//
// Layout: magic | fingerprint(identity) | key check | nonce | xchacha20-poly1305
// sealed data. A record whose fingerprint or key check does not match was
// sealed for someone else; one that matches both but fails authentication is
// damaged.
type Protected struct {
	key         *memguard.LockedBuffer
	fingerprint []byte
	keyCheck    []byte
}

type protectedConfig struct {
	keyFile string
	scope   string
}

type ProtectedOption func(*protectedConfig)

// WithKeyFile overrides the location of the master key.
func WithKeyFile(path string) ProtectedOption {
	return func(c *protectedConfig) {
		c.keyFile = path
	}
}

// WithScope overrides the identity the ciphertext is bound to.
func WithScope(scope string) ProtectedOption {
	return func(c *protectedConfig) {
		c.scope = scope
	}
}

func DefaultKeyFile() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "locate user config directory")
	}
	return filepath.Join(dir, "stash", "protect.key"), nil
}

// CurrentScope identifies the invoking user on this machine.
func CurrentScope() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", errors.Wrap(err, "lookup current user")
	}
	host, err := os.Hostname()
	if err != nil {
		return "", errors.Wrap(err, "lookup hostname")
	}
	return u.Uid + ":" + u.Username + "@" + host, nil
}

func NewProtected(opts ...ProtectedOption) (*Protected, error) {
	var cfg protectedConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var err error
	if cfg.keyFile == "" {
		if cfg.keyFile, err = DefaultKeyFile(); err != nil {
			return nil, errors.Wrap(ErrProtection, err.Error())
		}
	}
	if cfg.scope == "" {
		if cfg.scope, err = CurrentScope(); err != nil {
			return nil, errors.Wrap(ErrProtection, err.Error())
		}
	}

	master, err := loadMasterKey(cfg.keyFile)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(master)

	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, master, nil, []byte(protectedKDFInfo+cfg.scope))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.Wrap(err, "derive protection key")
	}

	sum := sha256.Sum256([]byte(cfg.scope))
	return &Protected{
		fingerprint: sum[:fingerprintSize],
		keyCheck:    keyCheckValue(key),
		key:         memguard.NewBufferFromBytes(key),
	}, nil
}

// keyCheckValue identifies a derived key without revealing it.
func keyCheckValue(key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("stash-key-check"))
	return mac.Sum(nil)[:keyCheckSize]
}

// loadMasterKey reads the master key at path, creating it on first use.
func loadMasterKey(path string) ([]byte, error) {
	master, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		master, err = createMasterKey(path)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrProtection, "master key %s: %v", path, err)
	}
	if len(master) != masterKeySize {
		memguard.WipeBytes(master)
		return nil, errors.Wrapf(ErrProtection, "master key %s has %d bytes, want %d", path, len(master), masterKeySize)
	}
	return master, nil
}

func createMasterKey(path string) ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	master := make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, master); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if os.IsExist(err) {
		// Another process created it first.
		memguard.WipeBytes(master)
		return os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	if _, err := file.Write(master); err != nil {
		file.Close()
		return nil, err
	}
	if err := file.Close(); err != nil {
		return nil, err
	}
	logrus.WithField("file", path).Info("Created data protection key")
	return master, nil
}

func (p *Protected) aead() (cipher.AEAD, error) {
	if p.key == nil || !p.key.IsAlive() {
		return nil, ErrClosed
	}
	return chacha20poly1305.NewX(p.key.Bytes())
}

func (p *Protected) Encrypt(data []byte) ([]byte, error) {
	aead, err := p.aead()
	if err != nil {
		return nil, err
	}

	out := make([]byte, protectedHeader+aead.NonceSize(), protectedHeader+aead.NonceSize()+len(data)+aead.Overhead())
	copy(out, protectedMagic)
	copy(out[len(protectedMagic):], p.fingerprint)
	copy(out[len(protectedMagic)+fingerprintSize:], p.keyCheck)
	nonce := out[protectedHeader:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}
	return aead.Seal(out, nonce, data, out[:protectedHeader]), nil
}

func (p *Protected) Decrypt(data []byte) ([]byte, error) {
	aead, err := p.aead()
	if err != nil {
		return nil, err
	}
	if len(data) < protectedHeader+aead.NonceSize()+aead.Overhead() || string(data[:len(protectedMagic)]) != protectedMagic {
		return nil, errors.Wrap(ErrCorrupt, "not a protected blob")
	}

	header := data[:protectedHeader]
	fingerprint := header[len(protectedMagic) : len(protectedMagic)+fingerprintSize]
	if subtle.ConstantTimeCompare(fingerprint, p.fingerprint) != 1 {
		return nil, errors.Wrap(ErrProtection, "data is bound to a different user")
	}
	if subtle.ConstantTimeCompare(header[len(protectedMagic)+fingerprintSize:], p.keyCheck) != 1 {
		return nil, errors.Wrap(ErrProtection, "data was sealed with a different key")
	}
	nonce := data[protectedHeader : protectedHeader+aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, data[protectedHeader+aead.NonceSize():], header)
	if err != nil {
		return nil, errors.Wrap(ErrCorrupt, "authentication failed")
	}
	return plain, nil
}

// Close destroys the derived key.
func (p *Protected) Close() error {
	if p.key != nil && p.key.IsAlive() {
		p.key.Destroy()
	}
	return nil
}
