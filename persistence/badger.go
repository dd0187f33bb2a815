package persistence

import (
	"bytes"
	"encoding/base64"
	"io"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var _ Persister = (*BadgerPersister)(nil)

// BadgerOptions returns the options used for an embedded store in dir.
func BadgerOptions(dir string) badger.Options {
	opts := badger.DefaultOptions(dir)
	opts.Logger = logrus.StandardLogger()
	return opts
}

// BadgerPersister keeps blobs in an embedded badger database, each value
// holding the base64 text of the blob.
type BadgerPersister struct {
	db *badger.DB
}

func NewBadgerPersister(dir string) (*BadgerPersister, error) {
	if dir == "" {
		dir = DefaultDirectory
	}
	return NewBadgerPersisterWithOptions(BadgerOptions(dir))
}

func NewBadgerPersisterWithOptions(opts badger.Options) (*BadgerPersister, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger database %s", opts.Dir)
	}
	return &BadgerPersister{db: db}, nil
}

func (p *BadgerPersister) Exists(id string) (bool, error) {
	if id == "" {
		return false, ErrInvalidID
	}
	err := p.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "lookup %s", id)
	}
	return true, nil
}

func (p *BadgerPersister) Delete(id string) error {
	if id == "" {
		return ErrInvalidID
	}
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(id))
	})
}

// OpenRead decodes the whole blob up front and returns an in-memory reader.
func (p *BadgerPersister) OpenRead(id string) (io.ReadCloser, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	var encoded []byte
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(id))
		if err != nil {
			return err
		}

		encoded, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", id)
	}

	data := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(data, encoded)
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "decode %s: %v", id, err)
	}
	return io.NopCloser(bytes.NewReader(data[:n])), nil
}

// OpenWrite returns a buffer that is committed to the database only when it
// is closed. A handle that is aborted or never closed changes nothing.
func (p *BadgerPersister) OpenWrite(id string) (Writer, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	return &badgerWriter{db: p.db, key: []byte(id)}, nil
}

// Keys lists the ids of every stored blob in key order.
func (p *BadgerPersister) Keys() ([]string, error) {
	var ids []string
	err := p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list keys")
	}
	return ids, nil
}

func (p *BadgerPersister) Wipe() error {
	return p.db.DropAll()
}

func (p *BadgerPersister) Close() error {
	return p.db.Close()
}

type badgerWriter struct {
	db   *badger.DB
	key  []byte
	buf  bytes.Buffer
	done bool
}

func (w *badgerWriter) Write(b []byte) (int, error) {
	if w.done {
		return 0, errHandleReleased
	}
	return w.buf.Write(b)
}

func (w *badgerWriter) Close() error {
	if w.done {
		return errHandleReleased
	}
	w.done = true

	encoded := base64.StdEncoding.EncodeToString(w.buf.Bytes())
	w.buf.Reset()
	err := w.db.Update(func(txn *badger.Txn) error {
		return txn.Set(w.key, []byte(encoded))
	})
	if err != nil {
		logrus.WithError(err).WithField("key", string(w.key)).Warn("Failed to persist data")
		return errors.Wrapf(err, "commit %s", w.key)
	}
	return nil
}

func (w *badgerWriter) Abort() error {
	w.done = true
	w.buf.Reset()
	return nil
}
