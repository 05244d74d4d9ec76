package safesphere

import (
	"context"
	"errors"
	"fmt"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/repository"
	"github.com/awnumar/memguard"
)

// UseItem decrypts an item into a locked buffer, passes it to fn and destroys it
// afterwards. fn must not retain the slice.
func (v *Vault) UseItem(ctx context.Context, id string, fn func(content []byte) error) error {
	return useContent(ctx, v.items.Repository, id, fn)
}

// UsePassword is UseItem for the password repository.
func (v *Vault) UsePassword(ctx context.Context, id string, fn func(password []byte) error) error {
	return useContent(ctx, v.passwords.Repository, id, fn)
}

// UsePasswords opens several passwords at once, keyed by id.
func (v *Vault) UsePasswords(ctx context.Context, ids []string, fn func(passwords map[string][]byte) error) error {
	if len(ids) == 0 {
		return errors.New("no passwords requested")
	}
	buffers := make(map[string]*memguard.LockedBuffer, len(ids))
	destroy := func() {
		for _, b := range buffers {
			b.Destroy()
		}
	}
	for _, id := range ids {
		if _, dup := buffers[id]; dup {
			destroy()
			return fmt.Errorf("duplicate password id: %s", id)
		}
		buf, err := openLocked(ctx, v.passwords.Repository, id)
		if err != nil {
			destroy()
			return err
		}
		buffers[id] = buf
	}

	return run(ctx, destroy, func() error {
		plain := make(map[string][]byte, len(buffers))
		for id, b := range buffers {
			plain[id] = b.Bytes()
		}
		return fn(plain)
	})
}

func useContent[C repository.Category](ctx context.Context, r *repository.Repository[C], id string, fn func([]byte) error) error {
	buf, err := openLocked(ctx, r, id)
	if err != nil {
		return err
	}
	return run(ctx, buf.Destroy, func() error { return fn(buf.Bytes()) })
}

func openLocked[C repository.Category](ctx context.Context, r *repository.Repository[C], id string) (*memguard.LockedBuffer, error) {
	d, err := r.GetDecrypted(ctx, id)
	if err != nil {
		return nil, err
	}
	// NewBufferFromBytes wipes its source
	return memguard.NewBufferFromBytes([]byte(d.Content)), nil
}

// run calls fn and then cleanup. If ctx ends first run returns ctx.Err() at
// once; cleanup still waits for fn so buffers are never destroyed under it.
func run(ctx context.Context, cleanup func(), fn func() error) error {
	done := make(chan error, 1)
	go func() {
		defer cleanup()
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic while using secret: %v", r)
			}
		}()
		done <- fn()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
