package safesphere

import (
	"context"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/audit"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/persist"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/repository"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/rotation"
)

// VaultService is the surface the command line and embedding applications
// program against. *Vault implements it.
type VaultService interface {
	Items() *repository.Items
	Passwords() *repository.Passwords
	Users() *repository.Users
	Rotation() *rotation.Manager
	Ledger() *audit.Ledger

	// UseItem and UsePassword scope plaintext to fn and wipe it afterwards.
	UseItem(ctx context.Context, id string, fn func(content []byte) error) error
	UsePassword(ctx context.Context, id string, fn func(password []byte) error) error
	UsePasswords(ctx context.Context, ids []string, fn func(passwords map[string][]byte) error) error

	// RotateKey never returns an error; failures are reported in the result.
	RotateKey(ctx context.Context, reEncryptAll bool, reason string) rotation.Result

	VerifyAuditTrail(ctx context.Context) (audit.Finding, error)
	VerifyRecords(ctx context.Context) map[string][]string
	ResetAuditTrail(ctx context.Context, reason string) (audit.Entry, error)
	AuditStatus() audit.Status
	AuditDegraded() bool

	CreateBackup(ctx context.Context, passphrase string) (persist.BackupInfo, error)
	RestoreBackup(ctx context.Context, backupID, passphrase string) error
	ListBackups(ctx context.Context) ([]persist.BackupInfo, error)
	DeleteBackup(ctx context.Context, backupID string) error

	Status() Status
	Close() error
}

var _ VaultService = (*Vault)(nil)
