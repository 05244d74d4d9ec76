package repository

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/audit"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/errs"
	vcrypto "github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/crypto"
	"golang.org/x/time/rate"
)

const UsersDocument = "users"

// ErrInvalidCredentials is returned for an unknown user or a wrong password.
// The two cases are not distinguished.
var ErrInvalidCredentials = errors.New("invalid credentials")

var errNameTaken = errors.New("user name already taken")

// UserOptions tune authentication throttling
type UserOptions struct {
	// AttemptInterval is the sustained rate of attempts allowed per user name.
	AttemptInterval time.Duration
	// AttemptBurst is how many attempts may be made back to back.
	AttemptBurst int
}

func (o UserOptions) withDefaults() UserOptions {
	if o.AttemptInterval == 0 {
		o.AttemptInterval = 2 * time.Second
	}
	if o.AttemptBurst == 0 {
		o.AttemptBurst = 5
	}
	return o
}

// Users holds local accounts. Title is the user name, Subtitle the email, and the
// sealed payload an Argon2id verifier of the account password.
type Users struct {
	*Repository[Role]

	opts     UserOptions
	limitsMu sync.Mutex
	limits   map[string]*rate.Limiter
}

func OpenUsers(ctx context.Context, opts Options, userOpts UserOptions) (*Users, error) {
	repo, err := open(ctx, opts, config[Role]{
		name:       UsersDocument,
		categories: roles,
		prepare: func(password string) (string, int, error) {
			if password == "" {
				return "", 0, errors.New("password is required")
			}
			verifier, err := vcrypto.HashPassword(password)
			return verifier, PasswordStrength(password), err
		},
		strengthTracked: true,
		conflicts: func(stored, rec Record[Role]) error {
			if sameUserName(stored.Title, rec.Title) {
				return errNameTaken
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return &Users{
		Repository: repo,
		opts:       userOpts.withDefaults(),
		limits:     make(map[string]*rate.Limiter),
	}, nil
}

// Register adds an account. User names are trimmed and unique, case-insensitively.
// Add repeats the uniqueness check under the repository lock, so concurrent
// registrations of one name leave exactly one account.
func (u *Users) Register(ctx context.Context, username, email, password string, role Role) (Record[Role], error) {
	name := strings.TrimSpace(username)
	if _, ok := u.byName(name); ok {
		return Record[Role]{}, errs.New(errs.ErrValidation, u.op("register"), "", errNameTaken)
	}
	return u.Add(ctx, Draft[Role]{Title: name, Subtitle: email, Content: password, Category: role})
}

func sameUserName(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func (u *Users) byName(username string) (Record[Role], bool) {
	matches := u.filter(func(rec Record[Role]) bool { return sameUserName(rec.Title, username) })
	if len(matches) == 0 {
		return Record[Role]{}, false
	}
	return matches[0], true
}

func (u *Users) limiter(username string) *rate.Limiter {
	key := strings.ToLower(strings.TrimSpace(username))
	u.limitsMu.Lock()
	defer u.limitsMu.Unlock()
	l, ok := u.limits[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(u.opts.AttemptInterval), u.opts.AttemptBurst)
		u.limits[key] = l
	}
	return l
}

// Authenticate checks a password against the stored verifier. Attempts are
// throttled per user name, whether or not the user exists.
func (u *Users) Authenticate(ctx context.Context, username, password string) (Record[Role], error) {
	op := u.op("authenticate")
	if !u.limiter(username).Allow() {
		u.record(ctx, audit.UserAuthenticated, "", audit.Failure("rate limited"), username)
		return Record[Role]{}, errs.New(errs.ErrRateLimited, op, "", nil)
	}

	rec, ok := u.byName(username)
	if !ok {
		u.record(ctx, audit.UserAuthenticated, "", audit.Failure("invalid credentials"), username)
		return Record[Role]{}, ErrInvalidCredentials
	}

	opened, err := u.GetDecrypted(ctx, rec.ID)
	if err != nil {
		return Record[Role]{}, err
	}
	match, err := vcrypto.VerifyPassword(password, opened.Content)
	if err != nil {
		return Record[Role]{}, errs.New(errs.ErrIntegrity, op, rec.ID, err)
	}
	if !match {
		u.record(ctx, audit.UserAuthenticated, rec.ID, audit.Failure("invalid credentials"), username)
		return Record[Role]{}, ErrInvalidCredentials
	}

	u.record(ctx, audit.UserAuthenticated, rec.ID, audit.ResultSuccess, username)
	return opened.Record, nil
}
