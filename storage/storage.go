// Package storage stores typed values under string keys. Each value passes
// through a serializer, an encrypter and a persister, all chosen by Settings.
//
// Retrieve favours availability over diagnosability: a missing value and a
// value that can no longer be decrypted or decoded both come back as the
// zero value. Settings.OnFailure observes the latter.
package storage

import (
	"bytes"
	"io"
	"reflect"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/szabado/stash/persistence"
	"github.com/szabado/stash/security"
)

// Storage is safe for concurrent use. Writers of the same blob are
// serialized; readers never observe a partially written blob.
type Storage struct {
	settings Settings
	locks    keyLocks
	metrics  *metrics
}

// New returns a Storage using a copy of settings. Unset fields fall back to
// the values of DefaultSettings.
func New(settings Settings) *Storage {
	return &Storage{
		settings: settings.withDefaults(),
		metrics:  newMetrics(),
	}
}

// DefaultKey returns the key used for values of type t when none is given.
func (s *Storage) DefaultKey(t reflect.Type) string {
	return s.settings.TypeToDefaultKey(t)
}

// Close releases the strategies owned by the settings. The Storage must not
// be used afterwards.
func (s *Storage) Close() {
	s.settings.Close()
}

// Store saves value under the default key of T.
func Store[T any](s *Storage, value T) error {
	return StoreKey(s, s.DefaultKey(reflect.TypeFor[T]()), value)
}

// StoreKey saves value under key, replacing any previous value.
func StoreKey[T any](s *Storage, key string, value T) error {
	return s.store(key, value)
}

// Retrieve loads the value stored under the default key of T.
func Retrieve[T any](s *Storage) (T, error) {
	return RetrieveKey[T](s, s.DefaultKey(reflect.TypeFor[T]()))
}

// RetrieveKey loads the value stored under key. It returns the zero value
// and a nil error when nothing is stored or the stored record is corrupt.
// Only backend failures and security.ErrProtection are returned.
func RetrieveKey[T any](s *Storage, key string) (T, error) {
	var value T
	data, ok, err := s.load(key)
	if err != nil || !ok {
		return value, err
	}

	if err := s.settings.Serializer.Deserialize(bytes.NewReader(data), &value); err != nil {
		s.corrupt(key, errors.Wrap(err, "deserialize"))
		var zero T
		return zero, nil
	}
	s.metrics.retrieves.WithLabelValues("hit").Inc()
	return value, nil
}

// Delete removes the value stored under key, if any.
func Delete(s *Storage, key string) error {
	blobID := s.settings.KeyToBlobID(key)
	unlock := s.locks.lock(blobID)
	defer unlock()

	if err := s.settings.Persister.Delete(blobID); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}
	return nil
}

// Exists reports whether a value is stored under key.
func Exists(s *Storage, key string) (bool, error) {
	return s.settings.Persister.Exists(s.settings.KeyToBlobID(key))
}

func (s *Storage) store(key string, value any) error {
	blobID := s.settings.KeyToBlobID(key)
	log := logrus.WithFields(logrus.Fields{
		"key":  key,
		"blob": blobID,
	})

	data, err := s.seal(key, value)
	if err != nil {
		s.metrics.stores.WithLabelValues("error").Inc()
		return err
	}

	unlock := s.locks.lock(blobID)
	defer unlock()
	if err := s.write(blobID, data); err != nil {
		log.WithError(err).Warn("Failed to persist data")
		s.metrics.stores.WithLabelValues("error").Inc()
		return err
	}

	log.Debug("Stored value")
	s.metrics.stores.WithLabelValues("ok").Inc()
	return nil
}

func (s *Storage) seal(key string, value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := s.settings.Serializer.Serialize(value, &buf); err != nil {
		return nil, errors.Wrapf(err, "serialize %s", key)
	}
	data, err := s.settings.Encrypter.Encrypt(buf.Bytes())
	if err != nil {
		return nil, errors.Wrapf(err, "encrypt %s", key)
	}
	return data, nil
}

// write commits data to blobID. The handle is aborted on every path that
// does not reach Close.
func (s *Storage) write(blobID string, data []byte) error {
	w, err := s.settings.Persister.OpenWrite(blobID)
	if err != nil {
		return errors.Wrapf(err, "open %s", blobID)
	}
	committed := false
	defer func() {
		if !committed {
			_ = w.Abort()
		}
	}()

	if _, err := w.Write(data); err != nil {
		return errors.Wrapf(err, "write %s", blobID)
	}
	committed = true
	return w.Close()
}

// load returns the decrypted bytes stored under key. ok is false when the
// blob is absent or unreadable as ciphertext.
func (s *Storage) load(key string) (data []byte, ok bool, err error) {
	blobID := s.settings.KeyToBlobID(key)
	p := s.settings.Persister

	exists, err := p.Exists(blobID)
	if err != nil {
		s.metrics.retrieves.WithLabelValues("error").Inc()
		return nil, false, errors.Wrapf(err, "lookup %s", key)
	}
	if !exists {
		s.metrics.retrieves.WithLabelValues("miss").Inc()
		return nil, false, nil
	}

	raw, err := readAll(p, blobID)
	switch {
	case errors.Is(err, persistence.ErrKeyNotFound):
		s.metrics.retrieves.WithLabelValues("miss").Inc()
		return nil, false, nil
	case errors.Is(err, persistence.ErrCorrupt):
		s.corrupt(key, err)
		return nil, false, nil
	case err != nil:
		s.metrics.retrieves.WithLabelValues("error").Inc()
		return nil, false, errors.Wrapf(err, "read %s", key)
	}

	data, err = s.settings.Encrypter.Decrypt(raw)
	switch {
	case errors.Is(err, security.ErrProtection), errors.Is(err, security.ErrClosed):
		s.metrics.retrieves.WithLabelValues("error").Inc()
		return nil, false, errors.Wrapf(err, "decrypt %s", key)
	case err != nil:
		s.corrupt(key, errors.Wrap(err, "decrypt"))
		return nil, false, nil
	}
	return data, true, nil
}

func readAll(p persistence.Persister, blobID string) ([]byte, error) {
	r, err := p.OpenRead(blobID)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *Storage) corrupt(key string, err error) {
	logrus.WithError(err).WithField("key", key).Warn("Discarding unreadable record")
	s.metrics.retrieves.WithLabelValues("corrupt").Inc()
	if s.settings.OnFailure != nil {
		s.settings.OnFailure(key, err)
	}
}
