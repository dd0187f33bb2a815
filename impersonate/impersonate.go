// Package impersonate runs code under alternate credentials for the duration
// of a scope.
package impersonate

import (
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/szabado/stash/dispose"
)

var (
	ErrNested            = errors.New("impersonation scopes cannot be nested")
	ErrInvalidCredential = errors.New("impersonation failed")
	ErrUnsupported       = errors.New("no logon provider configured")
)

// LogonFunc switches the process to the given credentials and returns a
// function that switches it back.
type LogonFunc func(domain, username, password string) (revert func() error, err error)

type Impersonator struct {
	Domain   string
	Username string
	Password string

	logon  LogonFunc
	mu     sync.Mutex
	active bool
}

func New(domain, username, password string, logon LogonFunc) *Impersonator {
	return &Impersonator{
		Domain:   domain,
		Username: username,
		Password: password,
		logon:    logon,
	}
}

// Impersonate begins a scope that ends when the returned closer is closed.
// When any credential is blank the scope does nothing.
func (i *Impersonator) Impersonate() (io.Closer, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.active {
		return nil, ErrNested
	}
	if blank(i.Domain) || blank(i.Username) || blank(i.Password) {
		return dispose.Action(nil), nil
	}
	if i.logon == nil {
		return nil, errors.Wrap(ErrInvalidCredential, ErrUnsupported.Error())
	}

	revert, err := i.logon(i.Domain, i.Username, i.Password)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidCredential, "logon %s\\%s: %v", i.Domain, i.Username, err)
	}
	i.active = true
	logrus.WithFields(logrus.Fields{
		"domain": i.Domain,
		"user":   i.Username,
	}).Debug("Impersonation started")

	return dispose.Action(func() {
		i.mu.Lock()
		defer i.mu.Unlock()
		i.active = false
		if revert == nil {
			return
		}
		if err := revert(); err != nil {
			logrus.WithError(err).Warn("Failed to leave impersonation")
		}
	}), nil
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
