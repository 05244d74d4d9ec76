package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/persist"
	"github.com/awnumar/memguard"
)

// DocumentName is the persist.Store document a DocumentStore keeps its keys in
const DocumentName = "keystore"

// DocumentStore keeps wrapped keys in a single "keystore" document of a
// persist.Store, next to the vault data it protects.
type DocumentStore struct {
	*keyring
}

type keystoreDocument struct {
	Header header            `json:"header"`
	Keys   map[string]record `json:"keys"`
}

type documentBackend struct {
	store persist.Store
	retry persist.RetryConfig
}

// OpenDocumentStore unlocks the key store kept in store, creating it on first use.
// The persist.Store remains owned by the caller.
func OpenDocumentStore(ctx context.Context, store persist.Store, opts Options) (*DocumentStore, error) {
	defer memguard.WipeBytes(opts.Passphrase)

	b := &documentBackend{store: store, retry: persist.DefaultRetryConfig()}
	doc, _, err := b.load(ctx)
	var s *sealer
	switch {
	case errors.Is(err, persist.ErrNotFound):
		h, created, err := newHeader(opts.Passphrase, opts.kdf())
		if err != nil {
			return nil, err
		}
		doc = &keystoreDocument{Header: *h, Keys: map[string]record{}}
		if err = b.save(ctx, doc, ""); err != nil {
			created.destroy()
			return nil, fmt.Errorf("failed to create key store: %w", err)
		}
		s = created
	case err != nil:
		return nil, fmt.Errorf("failed to load key store: %w", err)
	default:
		if s, err = openHeader(opts.Passphrase, &doc.Header); err != nil {
			return nil, err
		}
	}

	return &DocumentStore{keyring: newKeyring(b, s, opts.Logger)}, nil
}

func (b *documentBackend) load(ctx context.Context) (*keystoreDocument, string, error) {
	vd, err := b.store.LoadDocument(ctx, DocumentName)
	if err != nil {
		return nil, "", err
	}
	var doc keystoreDocument
	if err = json.Unmarshal(vd.Data, &doc); err != nil {
		return nil, "", fmt.Errorf("corrupt key store document: %w", err)
	}
	if doc.Keys == nil {
		doc.Keys = map[string]record{}
	}
	return &doc, vd.Version, nil
}

func (b *documentBackend) save(ctx context.Context, doc *keystoreDocument, version string) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = b.store.SaveDocument(ctx, DocumentName, data, version)
	return err
}

func (b *documentBackend) get(ctx context.Context, alias string) (*record, bool, error) {
	doc, _, err := b.load(ctx)
	if err != nil {
		return nil, false, err
	}
	rec, ok := doc.Keys[alias]
	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

func (b *documentBackend) put(ctx context.Context, alias string, rec record) error {
	return persist.WithRetry(ctx, b.retry, "keystore.put", func() error {
		doc, version, err := b.load(ctx)
		if err != nil {
			return err
		}
		if _, ok := doc.Keys[alias]; ok {
			return errExists
		}
		doc.Keys[alias] = rec
		return b.save(ctx, doc, version)
	})
}

func (b *documentBackend) remove(ctx context.Context, alias string) error {
	return persist.WithRetry(ctx, b.retry, "keystore.remove", func() error {
		doc, version, err := b.load(ctx)
		if err != nil {
			return err
		}
		if _, ok := doc.Keys[alias]; !ok {
			return fmt.Errorf("%s: %w", alias, ErrNotFound)
		}
		delete(doc.Keys, alias)
		return b.save(ctx, doc, version)
	})
}

func (b *documentBackend) aliases(ctx context.Context) ([]string, error) {
	doc, _, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(doc.Keys))
	for alias := range doc.Keys {
		names = append(names, alias)
	}
	sort.Strings(names)
	return names, nil
}

func (b *documentBackend) close() error { return nil }
