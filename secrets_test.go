package safesphere

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/errs"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUseItem(t *testing.T) {
	ctx := context.Background()
	v := newTestEnv(t).open(t)
	defer v.Close()

	rec, err := v.Items().Add(ctx, repository.Draft[repository.ItemCategory]{Title: "pin", Content: "4321", Category: repository.ItemFinancial})
	require.NoError(t, err)

	var seen string
	require.NoError(t, v.UseItem(ctx, rec.ID, func(content []byte) error {
		seen = string(content)
		return nil
	}))
	assert.Equal(t, "4321", seen)

	boom := errors.New("boom")
	assert.ErrorIs(t, v.UseItem(ctx, rec.ID, func([]byte) error { return boom }), boom)

	err = v.UseItem(ctx, "missing", func([]byte) error { return nil })
	assert.ErrorIs(t, err, errs.ErrNotFound)

	err = v.UseItem(ctx, rec.ID, func([]byte) error { panic("oops") })
	assert.ErrorContains(t, err, "panic while using secret")
}

func TestUsePasswords(t *testing.T) {
	ctx := context.Background()
	v := newTestEnv(t).open(t)
	defer v.Close()

	a, err := v.Passwords().Add(ctx, repository.Draft[repository.PasswordCategory]{Title: "a", Content: "alpha-Secret-1", Category: repository.PasswordWork})
	require.NoError(t, err)
	b, err := v.Passwords().Add(ctx, repository.Draft[repository.PasswordCategory]{Title: "b", Content: "beta-Secret-2", Category: repository.PasswordSocial})
	require.NoError(t, err)

	require.NoError(t, v.UsePasswords(ctx, []string{a.ID, b.ID}, func(pw map[string][]byte) error {
		assert.Equal(t, "alpha-Secret-1", string(pw[a.ID]))
		assert.Equal(t, "beta-Secret-2", string(pw[b.ID]))
		return nil
	}))

	assert.Error(t, v.UsePasswords(ctx, nil, func(map[string][]byte) error { return nil }))
	assert.ErrorContains(t, v.UsePasswords(ctx, []string{a.ID, a.ID}, func(map[string][]byte) error { return nil }), "duplicate")
}

func TestUsePasswordHonoursContext(t *testing.T) {
	v := newTestEnv(t).open(t)
	defer v.Close()

	rec, err := v.Passwords().Add(context.Background(), repository.Draft[repository.PasswordCategory]{Title: "slow", Content: "patience-Is-1", Category: repository.PasswordOther})
	require.NoError(t, err)

	release := make(chan struct{})
	finished := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = v.UsePassword(ctx, rec.ID, func(pw []byte) error {
		defer close(finished)
		<-release
		// the buffer is still readable after the caller gave up
		assert.Equal(t, "patience-Is-1", string(pw))
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-finished
}
