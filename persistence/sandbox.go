package persistence

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var _ Persister = (*SandboxPersister)(nil)

// SandboxPersister keeps blobs in a per-application storage area. All access
// goes through an os.Root, so a blob id can never resolve outside of it.
type SandboxPersister struct {
	dir  string
	root *os.Root
}

// SandboxDir returns the storage area for app inside the user's config dir.
func SandboxDir(app string) (string, error) {
	if app == "" {
		app = filepath.Base(os.Args[0])
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "locate user config directory")
	}
	return filepath.Join(base, app, "sandbox"), nil
}

// NewSandboxPersister opens the storage area of app for the current user.
func NewSandboxPersister(app string) (*SandboxPersister, error) {
	dir, err := SandboxDir(app)
	if err != nil {
		return nil, err
	}
	return NewSandboxPersisterAt(dir)
}

// NewSandboxPersisterAt opens a storage area rooted at dir, creating it when
// missing.
func NewSandboxPersisterAt(dir string) (*SandboxPersister, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "create sandbox %s", dir)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "open sandbox %s", dir)
	}
	logrus.WithField("dir", dir).Debug("Opened sandbox store")
	return &SandboxPersister{dir: dir, root: root}, nil
}

func (p *SandboxPersister) Dir() string {
	return p.dir
}

func sandboxPath(id string) (string, error) {
	if id == "" {
		return "", ErrInvalidID
	}
	return filepath.Clean(filepath.FromSlash(id)), nil
}

func (p *SandboxPersister) Exists(id string) (bool, error) {
	name, err := sandboxPath(id)
	if err != nil {
		return false, err
	}
	info, err := p.root.Stat(name)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "stat %s", id)
	}
	return !info.IsDir(), nil
}

func (p *SandboxPersister) Delete(id string) error {
	name, err := sandboxPath(id)
	if err != nil {
		return err
	}
	if err := p.root.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "delete %s", id)
	}
	return nil
}

func (p *SandboxPersister) OpenRead(id string) (io.ReadCloser, error) {
	name, err := sandboxPath(id)
	if err != nil {
		return nil, err
	}
	file, err := p.root.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", id)
	}
	return file, nil
}

func (p *SandboxPersister) OpenWrite(id string) (Writer, error) {
	name, err := sandboxPath(id)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(name); dir != "." {
		if err := p.root.MkdirAll(dir, 0700); err != nil {
			return nil, errors.Wrapf(err, "create directory for %s", id)
		}
	}

	tmp := name + ".tmp-" + ulid.Make().String()
	file, err := p.root.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "create temp file for %s", id)
	}
	return &fileWriter{
		file:   file,
		tmp:    tmp,
		target: name,
		rename: p.root.Rename,
		remove: p.root.Remove,
	}, nil
}

// Wipe removes every blob but keeps the storage area itself.
func (p *SandboxPersister) Wipe() error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return errors.Wrapf(err, "list sandbox %s", p.dir)
	}
	for _, entry := range entries {
		if err := p.root.RemoveAll(entry.Name()); err != nil {
			return errors.Wrapf(err, "wipe %s", entry.Name())
		}
	}
	return nil
}

func (p *SandboxPersister) Close() error {
	return p.root.Close()
}
