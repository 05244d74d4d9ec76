package safesphere

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/audit"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/persist"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/rotation"
)

// KeyStoreType selects where wrapped keys live.
type KeyStoreType string

const (
	// KeyStoreDocument keeps keys in a "keystore" document of the vault's own store.
	KeyStoreDocument KeyStoreType = "document"
	// KeyStoreBolt keeps keys in a local bbolt file, apart from vault data.
	KeyStoreBolt KeyStoreType = "bolt"
	// KeyStoreMemory holds keys for the life of the process only.
	KeyStoreMemory KeyStoreType = "memory"
)

const DefaultProfile = "default"

type KeyStoreOptions struct {
	Type KeyStoreType `json:"type" yaml:"type" mapstructure:"type"`
	// Path is the bbolt file; only used by KeyStoreBolt.
	Path string `json:"path,omitempty" yaml:"path,omitempty" mapstructure:"path"`
}

type RotationOptions struct {
	AutoRotate   bool `json:"auto_rotate" yaml:"auto_rotate" mapstructure:"auto_rotate"`
	IntervalDays int  `json:"interval_days" yaml:"interval_days" mapstructure:"interval_days"`
}

type AuthOptions struct {
	AttemptInterval time.Duration `json:"attempt_interval" yaml:"attempt_interval" mapstructure:"attempt_interval"`
	AttemptBurst    int           `json:"attempt_burst" yaml:"attempt_burst" mapstructure:"attempt_burst"`
}

// Options configure a Vault. Collaborators passed in Dependencies take
// precedence over the matching settings here.
type Options struct {
	// Profile namespaces every document of the vault inside its store.
	Profile string `json:"profile" yaml:"profile" mapstructure:"profile"`

	Store    persist.StoreConfig `json:"store" yaml:"store" mapstructure:"store"`
	KeyStore KeyStoreOptions     `json:"keystore" yaml:"keystore" mapstructure:"keystore"`

	// Passphrase unlocks the key store. Never serialized.
	Passphrase string `json:"-" yaml:"-" mapstructure:"-"`
	// EnvPassphraseVar names an environment variable to read the passphrase from
	// when Passphrase is empty.
	EnvPassphraseVar string `json:"env_passphrase_var,omitempty" yaml:"env_passphrase_var,omitempty" mapstructure:"env_passphrase_var"`

	EnableMemoryLock bool `json:"enable_memory_lock" yaml:"enable_memory_lock" mapstructure:"enable_memory_lock"`

	Audit    audit.Config    `json:"audit" yaml:"audit" mapstructure:"audit"`
	Rotation RotationOptions `json:"rotation" yaml:"rotation" mapstructure:"rotation"`
	Auth     AuthOptions     `json:"auth" yaml:"auth" mapstructure:"auth"`
}

// DefaultOptions returns options for a file system vault under basePath.
func DefaultOptions(basePath string) Options {
	return Options{
		Profile: DefaultProfile,
		Store: persist.StoreConfig{
			Type:   persist.StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": basePath},
		},
		KeyStore:         KeyStoreOptions{Type: KeyStoreDocument},
		EnableMemoryLock: true,
		Rotation:         RotationOptions{IntervalDays: rotation.DefaultIntervalDays},
	}
}

func (o Options) withDefaults() Options {
	if o.Profile == "" {
		o.Profile = DefaultProfile
	}
	if o.KeyStore.Type == "" {
		o.KeyStore.Type = KeyStoreDocument
	}
	if o.Rotation.IntervalDays == 0 {
		o.Rotation.IntervalDays = rotation.DefaultIntervalDays
	}
	return o
}

// Validate checks the options a Vault needs when it has to build its own
// collaborators.
func (o Options) Validate() error {
	o = o.withDefaults()
	switch o.KeyStore.Type {
	case KeyStoreDocument, KeyStoreMemory:
	case KeyStoreBolt:
		if o.KeyStore.Path == "" {
			return errors.New("bolt key store requires a path")
		}
	default:
		return fmt.Errorf("unsupported key store type: %s", o.KeyStore.Type)
	}
	if o.KeyStore.Type != KeyStoreMemory && o.Passphrase == "" && o.EnvPassphraseVar == "" {
		return errors.New("either Passphrase or EnvPassphraseVar must be provided")
	}
	if o.Rotation.IntervalDays < 0 {
		return errors.New("rotation interval cannot be negative")
	}
	if o.Auth.AttemptInterval < 0 || o.Auth.AttemptBurst < 0 {
		return errors.New("authentication throttling cannot be negative")
	}
	return nil
}

// passphrase resolves the key store passphrase. The caller wipes the result.
func (o Options) passphrase() ([]byte, error) {
	if o.Passphrase != "" {
		return []byte(o.Passphrase), nil
	}
	if o.EnvPassphraseVar != "" {
		if p := os.Getenv(o.EnvPassphraseVar); p != "" {
			return []byte(p), nil
		}
		return nil, fmt.Errorf("environment variable %s is not set", o.EnvPassphraseVar)
	}
	return nil, errors.New("no passphrase configured")
}
