// Package dispose holds small helpers for releasing resources.
package dispose

import (
	"io"
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"
)

// TryClose closes v when it implements io.Closer. Values without a Close
// method and nil pointers are skipped, and a failing Close is logged and
// otherwise ignored.
func TryClose(v any) {
	closer, ok := v.(io.Closer)
	if !ok || isNil(v) {
		return
	}
	if err := closer.Close(); err != nil {
		logrus.WithError(err).Debugf("Failed to close %T", v)
	}
}

// Action returns an io.Closer that runs fn on the first Close only.
func Action(fn func()) io.Closer {
	return &action{fn: fn}
}

type action struct {
	once sync.Once
	fn   func()
}

func (a *action) Close() error {
	a.once.Do(func() {
		if a.fn != nil {
			a.fn()
		}
	})
	return nil
}

func isNil(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
