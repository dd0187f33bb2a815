package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	a "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szabado/stash/persistence"
	"github.com/szabado/stash/security"
	"github.com/szabado/stash/serialization"
)

type profile struct {
	Name string
	Age  int
	Tags []string
}

var serializers = map[string]serialization.Serializer{
	"json": serialization.JSON{},
	"xml":  serialization.XML{},
	"yaml": serialization.YAML{},
}

var encrypters = map[string]func(t *testing.T) security.Encrypter{
	"null": func(t *testing.T) security.Encrypter {
		return security.Null{}
	},
	"symmetric": func(t *testing.T) security.Encrypter {
		s, err := security.NewSymmetricFromPassword("storage test password")
		require.NoError(t, err)
		return s
	},
	"protected": func(t *testing.T) security.Encrypter {
		p, err := security.NewProtected(
			security.WithKeyFile(filepath.Join(t.TempDir(), "protect.key")),
			security.WithScope("1000:tester@localhost"),
		)
		require.NoError(t, err)
		return p
	},
}

var persisters = map[string]func(t *testing.T) persistence.Persister{
	"fs": func(t *testing.T) persistence.Persister {
		return persistence.NewFsPersister(filepath.Join(t.TempDir(), "data"))
	},
	"sandbox": func(t *testing.T) persistence.Persister {
		p, err := persistence.NewSandboxPersisterAt(filepath.Join(t.TempDir(), "sandbox"))
		require.NoError(t, err)
		return p
	},
	"badger": func(t *testing.T) persistence.Persister {
		p, err := persistence.NewBadgerPersister(filepath.Join(t.TempDir(), "badger"))
		require.NoError(t, err)
		return p
	},
}

func newStorage(t *testing.T, settings Settings) *Storage {
	s := New(settings)
	t.Cleanup(s.Close)
	return s
}

// forEachBackend runs fn against every persister with JSON and no encryption.
func forEachBackend(t *testing.T, fn func(t *testing.T, s *Storage, p persistence.Persister)) {
	for name, newPersister := range persisters {
		t.Run(name, func(t *testing.T) {
			p := newPersister(t)
			s := newStorage(t, Settings{
				Serializer: serialization.JSON{},
				Encrypter:  security.Null{},
				Persister:  p,
			})
			fn(t, s, p)
		})
	}
}

func writeRaw(t *testing.T, p persistence.Persister, id string, data []byte) {
	w, err := p.OpenWrite(id)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestRoundTripAllStrategies(t *testing.T) {
	for sName, serializer := range serializers {
		for eName, newEncrypter := range encrypters {
			for pName, newPersister := range persisters {
				t.Run(fmt.Sprintf("%s/%s/%s", sName, eName, pName), func(t *testing.T) {
					assert := a.New(t)
					s := newStorage(t, Settings{
						Serializer: serializer,
						Encrypter:  newEncrypter(t),
						Persister:  newPersister(t),
					})

					in := profile{Name: "ada", Age: 36, Tags: []string{"math", "engines"}}
					assert.NoError(StoreKey(s, "people/ada", in))
					out, err := RetrieveKey[profile](s, "people/ada")
					assert.NoError(err)
					assert.Equal(in, out)

					assert.NoError(StoreKey(s, "answer", 42))
					n, err := RetrieveKey[int](s, "answer")
					assert.NoError(err)
					assert.Equal(42, n)
				})
			}
		}
	}
}

func TestRetrieveAbsent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Storage, _ persistence.Persister) {
		assert := a.New(t)

		n, err := RetrieveKey[int](s, "missing")
		assert.NoError(err)
		assert.Zero(n)

		p, err := Retrieve[*profile](s)
		assert.NoError(err)
		assert.Nil(p)

		exists, err := Exists(s, "missing")
		assert.NoError(err)
		assert.False(exists)
	})
}

func TestRetrieveCorruptIsAbsent(t *testing.T) {
	for eName, newEncrypter := range encrypters {
		for pName, newPersister := range persisters {
			t.Run(eName+"/"+pName, func(t *testing.T) {
				assert := a.New(t)
				p := newPersister(t)
				var failures []string
				s := newStorage(t, Settings{
					Encrypter: newEncrypter(t),
					Persister: p,
					OnFailure: func(key string, err error) {
						assert.Error(err)
						failures = append(failures, key)
					},
				})

				writeRaw(t, p, "garbage", []byte("]]}}{{ not a record"))

				out, err := RetrieveKey[profile](s, "garbage")
				assert.NoError(err)
				assert.Zero(out)
				assert.Equal([]string{"garbage"}, failures)
				assert.Equal(1.0, testutil.ToFloat64(s.metrics.retrieves.WithLabelValues("corrupt")))
			})
		}
	}
}

func TestRetrieveDamagedProtectedRecordIsAbsent(t *testing.T) {
	for name, newPersister := range persisters {
		t.Run(name, func(t *testing.T) {
			assert := a.New(t)
			p := newPersister(t)
			var failures []string
			s := newStorage(t, Settings{
				Encrypter: encrypters["protected"](t),
				Persister: p,
				OnFailure: func(key string, err error) {
					assert.ErrorIs(err, security.ErrCorrupt)
					failures = append(failures, key)
				},
			})

			require.NoError(t, StoreKey(s, "rec", 42))
			r, err := p.OpenRead("rec")
			require.NoError(t, err)
			raw, err := io.ReadAll(r)
			r.Close()
			require.NoError(t, err)

			raw[len(raw)-1] ^= 0xff
			writeRaw(t, p, "rec", raw)

			n, err := RetrieveKey[int](s, "rec")
			assert.NoError(err)
			assert.Zero(n)
			assert.Equal([]string{"rec"}, failures)

			raw = raw[:len(raw)-1]
			writeRaw(t, p, "rec", raw)
			n, err = RetrieveKey[int](s, "rec")
			assert.NoError(err)
			assert.Zero(n)
			assert.Equal([]string{"rec", "rec"}, failures)
		})
	}
}

func TestRetrieveTypeMismatchIsAbsent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Storage, _ persistence.Persister) {
		assert := a.New(t)

		assert.NoError(StoreKey(s, "who", profile{Name: "ada"}))
		n, err := RetrieveKey[int](s, "who")
		assert.NoError(err)
		assert.Zero(n)
	})
}

func TestOverwriteLeavesSingleBlob(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Storage, p persistence.Persister) {
		assert := a.New(t)

		assert.NoError(StoreKey(s, "answer", 41))
		assert.NoError(StoreKey(s, "answer", 42))
		n, err := RetrieveKey[int](s, "answer")
		assert.NoError(err)
		assert.Equal(42, n)

		switch p := p.(type) {
		case *persistence.FsPersister:
			assertOnlyEntry(assert, p.Dir(), "answer")
		case *persistence.SandboxPersister:
			assertOnlyEntry(assert, p.Dir(), "answer")
		case *persistence.BadgerPersister:
			keys, err := p.Keys()
			assert.NoError(err)
			assert.Equal([]string{"answer"}, keys)
		default:
			t.Fatalf("unexpected persister %T", p)
		}
	})
}

func assertOnlyEntry(assert *a.Assertions, dir, name string) {
	entries, err := os.ReadDir(dir)
	assert.NoError(err)
	if assert.Len(entries, 1) {
		assert.Equal(name, entries[0].Name())
	}
}

func TestDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Storage, _ persistence.Persister) {
		assert := a.New(t)

		assert.NoError(StoreKey(s, "temp", "value"))
		exists, err := Exists(s, "temp")
		assert.NoError(err)
		assert.True(exists)

		assert.NoError(Delete(s, "temp"))
		assert.NoError(Delete(s, "temp"))
		v, err := RetrieveKey[string](s, "temp")
		assert.NoError(err)
		assert.Empty(v)
	})
}

func TestStoreFailuresPropagate(t *testing.T) {
	assert := a.New(t)
	p := persistence.NewFsPersister(t.TempDir())

	s := newStorage(t, Settings{Serializer: serialization.JSON{}, Persister: p})
	assert.Error(StoreKey(s, "chan", make(chan int)))

	closed, err := security.NewSymmetricFromPassword("closed password")
	require.NoError(t, err)
	closed.Close()
	s = newStorage(t, Settings{Encrypter: closed, Persister: p})
	assert.ErrorIs(StoreKey(s, "answer", 42), security.ErrClosed)

	exists, err := p.Exists("answer")
	assert.NoError(err)
	assert.False(exists)
}

func TestRetrieveProtectionErrorPropagates(t *testing.T) {
	assert := a.New(t)
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "protect.key")
	p := persistence.NewFsPersister(filepath.Join(dir, "data"))

	settings, err := SecureSettings(p, security.WithKeyFile(keyFile), security.WithScope("1000:ada@host"))
	require.NoError(t, err)
	assert.NoError(StoreKey(newStorage(t, settings), "secret", "sesame"))

	other, err := SecureSettings(p, security.WithKeyFile(keyFile), security.WithScope("1001:bob@host"))
	require.NoError(t, err)
	v, err := RetrieveKey[string](newStorage(t, other), "secret")
	assert.ErrorIs(err, security.ErrProtection)
	assert.Empty(v)
}

func TestDefaultKeys(t *testing.T) {
	assert := a.New(t)
	dir := t.TempDir()
	p := persistence.NewFsPersister(dir)

	s := newStorage(t, Settings{Persister: p})
	assert.Equal("storage.profile", s.DefaultKey(reflect.TypeFor[profile]()))
	assert.NoError(Store(s, profile{Name: "ada"}))
	out, err := Retrieve[profile](s)
	assert.NoError(err)
	assert.Equal("ada", out.Name)
	_, err = os.Stat(filepath.Join(dir, "storage.profile"))
	assert.NoError(err)

	settings, err := SecureSettings(p,
		security.WithKeyFile(filepath.Join(t.TempDir(), "protect.key")),
		security.WithScope("1000:ada@host"))
	require.NoError(t, err)
	secure := newStorage(t, settings)
	assert.Equal("profile", secure.DefaultKey(reflect.TypeFor[profile]()))
	assert.Equal("[]string", secure.DefaultKey(reflect.TypeFor[[]string]()))
	assert.NoError(Store(secure, profile{Name: "bob"}))
	_, err = os.Stat(filepath.Join(dir, "profile"))
	assert.NoError(err)
}

func TestEnginesShareData(t *testing.T) {
	assert := a.New(t)
	dir := t.TempDir()

	settings := func() Settings {
		return Settings{
			Persister:        persistence.NewFsPersister(dir),
			KeyToBlobID:      HashedKey,
			TypeToDefaultKey: TypeName,
		}
	}
	first := newStorage(t, settings())
	second := newStorage(t, settings())

	assert.NoError(StoreKey(first, "a key/with odd:chars", profile{Name: "shared"}))
	out, err := RetrieveKey[profile](second, "a key/with odd:chars")
	assert.NoError(err)
	assert.Equal("shared", out.Name)

	assert.NoError(Store(second, 7))
	n, err := Retrieve[int](first)
	assert.NoError(err)
	assert.Equal(7, n)
}

func TestAnswerScenario(t *testing.T) {
	assert := a.New(t)
	dir := filepath.Join(t.TempDir(), "data")

	s := newStorage(t, Settings{
		Serializer: serialization.JSON{},
		Encrypter:  security.Null{},
		Persister:  persistence.NewFsPersister(dir),
	})
	assert.NoError(StoreKey(s, "answer", 42))
	n, err := RetrieveKey[int](s, "answer")
	assert.NoError(err)
	assert.Equal(42, n)

	assertOnlyEntry(assert, dir, "answer")
	file, err := os.Open(filepath.Join(dir, "answer"))
	require.NoError(t, err)
	defer file.Close()
	var decoded int
	assert.NoError(serialization.JSON{}.Deserialize(file, &decoded))
	assert.Equal(42, decoded)
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Storage, _ persistence.Persister) {
		assert := a.New(t)
		require.NoError(t, StoreKey(s, "hot", profile{Name: "writer-0", Age: 0}))

		var wg sync.WaitGroup
		for w := 1; w <= 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					assert.NoError(StoreKey(s, "hot", profile{Name: fmt.Sprintf("writer-%d", w), Age: i}))
				}
			}(w)
		}
		for r := 0; r < 4; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 40; i++ {
					out, err := RetrieveKey[profile](s, "hot")
					assert.NoError(err)
					assert.NotEmpty(out.Name)
				}
			}()
		}
		wg.Wait()

		assert.Zero(testutil.ToFloat64(s.metrics.retrieves.WithLabelValues("corrupt")))
		assert.Zero(testutil.ToFloat64(s.metrics.retrieves.WithLabelValues("miss")))
	})
}

type recorder struct {
	name  string
	order *[]string
	err   error
}

func (r recorder) Close() error {
	*r.order = append(*r.order, r.name)
	return r.err
}

type closingSerializer struct {
	serialization.JSON
	recorder
}

type closingEncrypter struct {
	security.Null
	recorder
}

type closingPersister struct {
	*persistence.FsPersister
	recorder
}

func (p closingPersister) Close() error {
	return p.recorder.Close()
}

func TestCloseReleasesStrategiesInOrder(t *testing.T) {
	assert := a.New(t)

	var order []string
	settings := Settings{
		Serializer: closingSerializer{recorder: recorder{name: "serializer", order: &order}},
		Encrypter:  closingEncrypter{recorder: recorder{name: "encrypter", order: &order, err: fmt.Errorf("boom")}},
		Persister: closingPersister{
			FsPersister: persistence.NewFsPersister(t.TempDir()),
			recorder:    recorder{name: "persister", order: &order},
		},
	}
	New(settings).Close()
	assert.Equal([]string{"serializer", "encrypter", "persister"}, order)

	assert.NotPanics(DefaultSettings().Close)
}

func TestRegisterMetrics(t *testing.T) {
	assert := a.New(t)
	s := newStorage(t, Settings{Persister: persistence.NewFsPersister(t.TempDir())})

	reg := prometheus.NewRegistry()
	assert.NoError(s.RegisterMetrics(reg))

	assert.NoError(StoreKey(s, "k", 1))
	_, err := RetrieveKey[int](s, "k")
	assert.NoError(err)
	_, err = RetrieveKey[int](s, "nope")
	assert.NoError(err)

	assert.Equal(1.0, testutil.ToFloat64(s.metrics.stores.WithLabelValues("ok")))
	assert.Equal(1.0, testutil.ToFloat64(s.metrics.retrieves.WithLabelValues("hit")))
	assert.Equal(1.0, testutil.ToFloat64(s.metrics.retrieves.WithLabelValues("miss")))

	families, err := reg.Gather()
	assert.NoError(err)
	assert.Len(families, 2)
}

func TestHashedKey(t *testing.T) {
	assert := a.New(t)

	assert.Equal(HashedKey("a"), HashedKey("a"))
	assert.NotEqual(HashedKey("a"), HashedKey("b"))
	assert.NotContains(HashedKey("../../etc/passwd"), "/")
}
