package repository

import (
	"context"
)

const (
	ItemsDocument     = "vault_items"
	PasswordsDocument = "passwords"
)

// Items holds generic private vault entries: notes, documents, identity data.
type Items struct {
	*Repository[ItemCategory]
}

func OpenItems(ctx context.Context, opts Options) (*Items, error) {
	repo, err := open(ctx, opts, config[ItemCategory]{
		name:       ItemsDocument,
		categories: itemCategories,
	})
	if err != nil {
		return nil, err
	}
	return &Items{Repository: repo}, nil
}

// Passwords holds credentials. Strength is rated from the plaintext before it is sealed.
type Passwords struct {
	*Repository[PasswordCategory]
}

func OpenPasswords(ctx context.Context, opts Options) (*Passwords, error) {
	repo, err := open(ctx, opts, config[PasswordCategory]{
		name:       PasswordsDocument,
		categories: passwordCategories,
		prepare: func(content string) (string, int, error) {
			return content, PasswordStrength(content), nil
		},
		strengthTracked: true,
	})
	if err != nil {
		return nil, err
	}
	return &Passwords{Repository: repo}, nil
}

// Weak returns entries rated at or below WeakStrength, in insertion order
func (p *Passwords) Weak() []Record[PasswordCategory] {
	return p.filter(func(rec Record[PasswordCategory]) bool { return rec.Strength <= WeakStrength })
}
