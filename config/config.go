// Package config loads stash settings from a YAML file and STASH_*
// environment variables, in that order of precedence (env wins).
package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/szabado/stash/persistence"
	"github.com/szabado/stash/security"
	"github.com/szabado/stash/serialization"
	"github.com/szabado/stash/storage"
)

const EnvPrefix = "STASH_"

type Config struct {
	// Backend is one of fs, sandbox or badger.
	Backend string `koanf:"backend"`
	// Dir is the root of the fs and badger backends, or an explicit sandbox
	// location.
	Dir string `koanf:"dir"`
	// App names the sandbox area when Dir is empty.
	App        string `koanf:"app"`
	Serializer string `koanf:"serializer"`
	// Encrypter is one of none, protected or symmetric.
	Encrypter string `koanf:"encrypter"`
	Password  string `koanf:"password"`
	KeyFile   string `koanf:"key_file"`
	HashKeys  bool   `koanf:"hash_keys"`
	// Secure selects the protected encrypter and short type names as
	// default keys, overriding Encrypter.
	Secure bool `koanf:"secure"`
}

func Default() Config {
	return Config{
		Backend:    "fs",
		Dir:        persistence.DefaultDirectory,
		App:        "stash",
		Serializer: "json",
		Encrypter:  "none",
	}
}

// Load reads path (if it exists or is explicitly given) and the environment
// on top of Default.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, errors.Wrapf(err, "load config file %s", path)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, errors.Wrapf(err, "load config file %s", path)
		}
	}

	envTransformer := func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformer), nil); err != nil {
		return Config{}, errors.Wrap(err, "load env")
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	logrus.WithFields(logrus.Fields{
		"backend":    cfg.Backend,
		"serializer": cfg.Serializer,
		"encrypter":  cfg.Encrypter,
		"secure":     cfg.Secure,
	}).Debug("Loaded configuration")
	return cfg, nil
}

// Settings builds the storage settings described by c. On error nothing is
// left open.
func (c Config) Settings() (storage.Settings, error) {
	serializer, err := serialization.ByName(c.Serializer)
	if err != nil {
		return storage.Settings{}, err
	}

	p, err := c.persister()
	if err != nil {
		return storage.Settings{}, err
	}

	var settings storage.Settings
	if c.Secure {
		settings, err = storage.SecureSettings(p, c.protectedOptions()...)
		if err != nil {
			p.Close()
			return storage.Settings{}, err
		}
	} else {
		encrypter, err := c.encrypter()
		if err != nil {
			p.Close()
			return storage.Settings{}, err
		}
		settings = storage.Settings{
			Encrypter:        encrypter,
			Persister:        p,
			TypeToDefaultKey: storage.TypeString,
		}
	}

	settings.Serializer = serializer
	settings.KeyToBlobID = storage.IdentityKey
	if c.HashKeys {
		settings.KeyToBlobID = storage.HashedKey
	}
	return settings, nil
}

func (c Config) persister() (persistence.Persister, error) {
	switch c.Backend {
	case "", "fs":
		return persistence.NewFsPersister(c.Dir), nil
	case "sandbox":
		if c.Dir != "" && c.Dir != persistence.DefaultDirectory {
			return persistence.NewSandboxPersisterAt(c.Dir)
		}
		return persistence.NewSandboxPersister(c.App)
	case "badger":
		return persistence.NewBadgerPersister(c.Dir)
	}
	return nil, errors.Errorf("unknown backend: %s", c.Backend)
}

func (c Config) encrypter() (security.Encrypter, error) {
	switch c.Encrypter {
	case "", "none":
		return security.Null{}, nil
	case "protected":
		return security.NewProtected(c.protectedOptions()...)
	case "symmetric":
		return security.NewSymmetricFromPassword(c.Password)
	}
	return nil, errors.Errorf("unknown encrypter: %s", c.Encrypter)
}

func (c Config) protectedOptions() []security.ProtectedOption {
	if c.KeyFile == "" {
		return nil
	}
	return []security.ProtectedOption{security.WithKeyFile(c.KeyFile)}
}
