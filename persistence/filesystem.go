package persistence

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultDirectory is the root used when no directory is given.
var DefaultDirectory = filepath.Join(".", "Data")

var _ Persister = (*FsPersister)(nil)

// FsPersister stores each blob as a file under a root directory. Blob ids
// are slash-separated relative paths that must stay inside the root.
type FsPersister struct {
	dir string
}

func NewFsPersister(dir string) *FsPersister {
	if dir == "" {
		dir = DefaultDirectory
	}
	return &FsPersister{dir: dir}
}

func (p *FsPersister) Dir() string {
	return p.dir
}

func (p *FsPersister) getFilepath(id string) (string, error) {
	local := filepath.FromSlash(id)
	if id == "" || !filepath.IsLocal(local) {
		return "", errors.Wrapf(ErrInvalidID, "%q", id)
	}
	return filepath.Join(p.dir, local), nil
}

func (p *FsPersister) Exists(id string) (bool, error) {
	path, err := p.getFilepath(id)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "stat %s", id)
	}
	return !info.IsDir(), nil
}

func (p *FsPersister) Delete(id string) error {
	path, err := p.getFilepath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "delete %s", id)
	}
	return nil
}

func (p *FsPersister) OpenRead(id string) (io.ReadCloser, error) {
	path, err := p.getFilepath(id)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", id)
	}
	return file, nil
}

// OpenWrite creates any missing parent directories and writes into a
// temporary file beside the target. Close renames it over the target.
func (p *FsPersister) OpenWrite(id string) (Writer, error) {
	path, err := p.getFilepath(id)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "create directory for %s", id)
	}

	file, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, errors.Wrapf(err, "create temp file for %s", id)
	}
	return &fileWriter{
		file:   file,
		tmp:    file.Name(),
		target: path,
		rename: os.Rename,
		remove: os.Remove,
	}, nil
}

func (p *FsPersister) Wipe() error {
	logrus.WithField("dir", p.dir).Debug("Wiping filesystem store")
	return os.RemoveAll(p.dir)
}

func (p *FsPersister) Close() error {
	return nil
}

// fileWriter writes into tmp and moves it to target on Close.
type fileWriter struct {
	file   *os.File
	tmp    string
	target string
	rename func(oldpath, newpath string) error
	remove func(name string) error

	err  error
	done bool
}

func (w *fileWriter) Write(b []byte) (int, error) {
	if w.done {
		return 0, errHandleReleased
	}
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.file.Write(b)
	if err != nil {
		w.err = errors.Wrapf(err, "write %s", w.target)
	}
	return n, w.err
}

func (w *fileWriter) Close() error {
	if w.done {
		return errHandleReleased
	}
	if w.err != nil {
		w.discard()
		return w.err
	}
	w.done = true

	if err := w.file.Close(); err != nil {
		_ = w.remove(w.tmp)
		return errors.Wrapf(err, "close %s", w.target)
	}
	if err := w.rename(w.tmp, w.target); err != nil {
		_ = w.remove(w.tmp)
		return errors.Wrapf(err, "commit %s", w.target)
	}
	return nil
}

func (w *fileWriter) Abort() error {
	if w.done {
		return nil
	}
	w.discard()
	return nil
}

func (w *fileWriter) discard() {
	w.done = true
	_ = w.file.Close()
	if err := w.remove(w.tmp); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).WithField("file", w.tmp).Warn("Failed to remove temp file")
	}
}
