package storage

import (
	"crypto/sha1"
	"encoding/base64"
	"reflect"

	"github.com/szabado/stash/dispose"
	"github.com/szabado/stash/persistence"
	"github.com/szabado/stash/security"
	"github.com/szabado/stash/serialization"
)

// Settings wires the three strategies and the two key mappings used by a
// Storage. The settings own the strategies: Close releases them.
type Settings struct {
	Serializer serialization.Serializer
	Encrypter  security.Encrypter
	Persister  persistence.Persister

	// KeyToBlobID maps a key to the id of its blob. Changing it makes
	// previously stored values unreachable.
	KeyToBlobID func(key string) string
	// TypeToDefaultKey names the key used when none is given.
	TypeToDefaultKey func(t reflect.Type) string

	// OnFailure, when set, observes corrupt records that Retrieve reports as
	// absent.
	OnFailure func(key string, err error)
}

// DefaultSettings stores unencrypted JSON files under ./Data, keyed by the
// full type name.
func DefaultSettings() Settings {
	return Settings{
		Serializer:       serialization.JSON{},
		Encrypter:        security.Null{},
		Persister:        persistence.NewFsPersister(persistence.DefaultDirectory),
		KeyToBlobID:      IdentityKey,
		TypeToDefaultKey: TypeString,
	}
}

// SecureSettings binds stored data to the current user and keys values by
// their short type name. The persister is supplied by the caller.
func SecureSettings(p persistence.Persister, opts ...security.ProtectedOption) (Settings, error) {
	encrypter, err := security.NewProtected(opts...)
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		Serializer:       serialization.JSON{},
		Encrypter:        encrypter,
		Persister:        p,
		KeyToBlobID:      IdentityKey,
		TypeToDefaultKey: TypeName,
	}, nil
}

// Close releases the serializer, encrypter and persister in that order.
// Strategies without a Close method are skipped; errors are ignored.
func (s Settings) Close() {
	dispose.TryClose(s.Serializer)
	dispose.TryClose(s.Encrypter)
	dispose.TryClose(s.Persister)
}

func (s Settings) withDefaults() Settings {
	if s.Serializer == nil {
		s.Serializer = serialization.JSON{}
	}
	if s.Encrypter == nil {
		s.Encrypter = security.Null{}
	}
	if s.Persister == nil {
		s.Persister = persistence.NewFsPersister(persistence.DefaultDirectory)
	}
	if s.KeyToBlobID == nil {
		s.KeyToBlobID = IdentityKey
	}
	if s.TypeToDefaultKey == nil {
		s.TypeToDefaultKey = TypeString
	}
	return s
}

func IdentityKey(key string) string {
	return key
}

// HashedKey maps any key to a flat, filesystem-safe blob id.
func HashedKey(key string) string {
	hasher := sha1.New()
	hasher.Write([]byte(key))
	return base64.URLEncoding.EncodeToString(hasher.Sum(nil))
}

// TypeString names a type with its package, e.g. "config.Settings".
func TypeString(t reflect.Type) string {
	return t.String()
}

// TypeName names a type without its package, falling back to TypeString for
// unnamed types such as slices.
func TypeName(t reflect.Type) string {
	if name := t.Name(); name != "" {
		return name
	}
	return t.String()
}
