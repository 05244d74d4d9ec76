package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/misc"
	"github.com/awnumar/memguard"
	"go.etcd.io/bbolt"
)

var (
	metaBucket = []byte("meta")
	keysBucket = []byte("keys")
	headerKey  = []byte("header")
)

// BoltStore keeps wrapped keys in a local bbolt file, separate from vault data.
type BoltStore struct {
	*keyring
}

type boltBackend struct {
	db *bbolt.DB
}

// OpenBoltStore opens or creates the bbolt key file at path.
func OpenBoltStore(path string, opts Options) (*BoltStore, error) {
	defer memguard.WipeBytes(opts.Passphrase)

	db, err := bbolt.Open(path, misc.FilePermissions, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open key file: %w", err)
	}

	var existing *header
	err = db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists(keysBucket); err != nil {
			return err
		}
		if raw := meta.Get(headerKey); raw != nil {
			existing = &header{}
			return json.Unmarshal(raw, existing)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize key file: %w", err)
	}

	var s *sealer
	if existing != nil {
		s, err = openHeader(opts.Passphrase, existing)
	} else {
		var h *header
		h, s, err = newHeader(opts.Passphrase, opts.kdf())
		if err == nil {
			err = db.Update(func(tx *bbolt.Tx) error {
				raw, err := json.Marshal(h)
				if err != nil {
					return err
				}
				return tx.Bucket(metaBucket).Put(headerKey, raw)
			})
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{keyring: newKeyring(&boltBackend{db: db}, s, opts.Logger)}, nil
}

func (b *boltBackend) get(_ context.Context, alias string) (*record, bool, error) {
	var rec *record
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(keysBucket).Get([]byte(alias))
		if raw == nil {
			return nil
		}
		rec = &record{}
		return json.Unmarshal(raw, rec)
	})
	if err != nil {
		return nil, false, err
	}
	return rec, rec != nil, nil
}

func (b *boltBackend) put(_ context.Context, alias string, rec record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(keysBucket)
		if bucket.Get([]byte(alias)) != nil {
			return errExists
		}
		return bucket.Put([]byte(alias), raw)
	})
}

func (b *boltBackend) remove(_ context.Context, alias string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(keysBucket)
		if bucket.Get([]byte(alias)) == nil {
			return fmt.Errorf("%s: %w", alias, ErrNotFound)
		}
		return bucket.Delete([]byte(alias))
	})
}

func (b *boltBackend) aliases(_ context.Context) ([]string, error) {
	var names []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		// bbolt iterates keys in byte order
		return tx.Bucket(keysBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

func (b *boltBackend) close() error {
	return b.db.Close()
}
