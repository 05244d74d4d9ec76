package safesphere

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/audit"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/errs"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/backup"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/crypto"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/misc"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/keystore"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/persist"
)

const (
	BackupVersion          = "1.0"
	BackupEncryptionMethod = "pbkdf2+chacha20poly1305"
)

var supportedBackupVersions = []string{BackupVersion}

// CreateBackup seals every vault document under passphrase and stores the
// container in the vault's store. The key store document is never included, so a
// backup only restores into a vault that still holds the same keys.
func (v *Vault) CreateBackup(ctx context.Context, passphrase string) (persist.BackupInfo, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return persist.BackupInfo{}, ErrClosed
	}
	const op = "vault.CreateBackup"
	backupID := backup.GenerateBackupID()
	fail := func(err error) (persist.BackupInfo, error) {
		v.recorder.Record(ctx, audit.Record{Action: audit.BackupCreated, Result: audit.Failure(err.Error()), Details: backupID})
		return persist.BackupInfo{}, err
	}
	if err := validatePassphraseStrength(passphrase); err != nil {
		return fail(errs.New(errs.ErrValidation, op, backupID, err))
	}

	data, err := v.collectBackupData(ctx)
	if err != nil {
		return fail(errs.New(errs.ErrPersistence, op, backupID, fmt.Errorf("failed to collect backup data: %w", err)))
	}
	backupJSON, err := json.Marshal(data)
	if err != nil {
		return fail(errs.New(errs.ErrPersistence, op, backupID, fmt.Errorf("failed to serialize backup data: %w", err)))
	}
	sealed, err := crypto.EncryptWithPassphrase(backupJSON, passphrase)
	if err != nil {
		return fail(errs.New(errs.ErrEncryption, op, backupID, fmt.Errorf("failed to encrypt with passphrase: %w", err)))
	}

	container := persist.BackupContainer{
		BackupID:         backupID,
		BackupTimestamp:  v.now().UTC(),
		VaultVersion:     Version,
		BackupVersion:    BackupVersion,
		Checksum:         crypto.CalculateChecksum(sealed),
		EncryptionMethod: BackupEncryptionMethod,
		EncryptedData:    base64.StdEncoding.EncodeToString(sealed),
		Profile:          v.opts.Profile,
		DocumentCount:    len(data.Documents),
	}
	if err = v.store.SaveBackup(ctx, &container); err != nil {
		return fail(errs.New(errs.ErrPersistence, op, backupID, fmt.Errorf("failed to save backup: %w", err)))
	}

	v.log.Info(ctx, "backup created", "backup_id", backupID, "documents", container.DocumentCount)
	v.recorder.Record(ctx, audit.Record{
		Action:  audit.BackupCreated,
		Details: fmt.Sprintf("%s: %d documents", backupID, container.DocumentCount),
	})
	return persist.BackupInfo{
		BackupID:         container.BackupID,
		BackupTimestamp:  container.BackupTimestamp,
		VaultVersion:     container.VaultVersion,
		BackupVersion:    container.BackupVersion,
		EncryptionMethod: container.EncryptionMethod,
		FileSize:         int64(len(container.EncryptedData)),
		IsValid:          true,
		Profile:          container.Profile,
		Checksum:         container.Checksum,
		DocumentCount:    container.DocumentCount,
	}, nil
}

// RestoreBackup replaces the vault's documents with the backup's and reloads
// every component. Documents the backup does not hold are removed, except the
// key store. The restored audit chain records the restore.
func (v *Vault) RestoreBackup(ctx context.Context, backupID, passphrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	v.writes.Lock()
	defer v.writes.Unlock()
	const op = "vault.RestoreBackup"

	container, err := v.store.RestoreBackup(ctx, backupID)
	if errors.Is(err, persist.ErrNotFound) {
		return errs.NotFound(op, backupID)
	}
	if err != nil {
		return errs.New(errs.ErrPersistence, op, backupID, fmt.Errorf("failed to load backup: %w", err))
	}
	if !slices.Contains(supportedBackupVersions, container.BackupVersion) {
		return errs.New(errs.ErrValidation, op, backupID, fmt.Errorf("unsupported backup version: %s", container.BackupVersion))
	}

	sealed, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		return errs.New(errs.ErrIntegrity, op, backupID, fmt.Errorf("failed to decode backup data: %w", err))
	}
	if actual := crypto.CalculateChecksum(sealed); actual != container.Checksum {
		return errs.New(errs.ErrIntegrity, op, backupID, errors.New("backup integrity check failed: checksum mismatch"))
	}
	backupJSON, err := crypto.DecryptWithPassphrase(sealed, passphrase)
	if err != nil {
		return errs.New(errs.ErrDecryption, op, backupID, fmt.Errorf("failed to decrypt with passphrase: %w", err))
	}
	var data persist.BackupData
	if err = json.Unmarshal(backupJSON, &data); err != nil {
		return errs.New(errs.ErrIntegrity, op, backupID, fmt.Errorf("failed to parse backup data: %w", err))
	}

	v.log.Warn(ctx, "restoring backup", "backup_id", backupID, "documents", len(data.Documents))
	if err = v.restoreBackupData(ctx, &data); err != nil {
		v.recorder.Record(ctx, audit.Record{Action: audit.BackupRestored, Result: audit.Failure(err.Error()), Details: backupID})
		return errs.New(errs.ErrPersistence, op, backupID, err)
	}
	if err = v.reloadFromStore(ctx); err != nil {
		return err
	}

	v.recorder.Record(ctx, audit.Record{
		Action:  audit.BackupRestored,
		Details: fmt.Sprintf("%s: %d documents", backupID, len(data.Documents)),
	})
	return nil
}

// ListBackups describes the stored backups, newest first, without decrypting them.
func (v *Vault) ListBackups(ctx context.Context) ([]persist.BackupInfo, error) {
	backups, err := v.store.ListBackups(ctx)
	if err != nil {
		return nil, errs.New(errs.ErrPersistence, "vault.ListBackups", "", err)
	}
	return backups, nil
}

func (v *Vault) DeleteBackup(ctx context.Context, backupID string) error {
	err := v.store.DeleteBackup(ctx, backupID)
	if errors.Is(err, persist.ErrNotFound) {
		return errs.NotFound("vault.DeleteBackup", backupID)
	}
	if err != nil {
		return errs.New(errs.ErrPersistence, "vault.DeleteBackup", backupID, err)
	}
	return nil
}

func validatePassphraseStrength(passphrase string) error {
	if len(passphrase) < misc.MinPassphraseLength {
		return fmt.Errorf("passphrase must be at least %d characters long", misc.MinPassphraseLength)
	}
	return nil
}

func (v *Vault) collectBackupData(ctx context.Context) (*persist.BackupData, error) {
	names, err := v.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	data := &persist.BackupData{Documents: make(map[string][]byte, len(names))}
	for _, name := range names {
		if name == keystore.DocumentName {
			continue
		}
		vd, err := v.store.LoadDocument(ctx, name)
		if misc.IsNotFoundError(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", name, err)
		}
		data.Documents[name] = vd.Data
	}
	return data, nil
}

func (v *Vault) restoreBackupData(ctx context.Context, data *persist.BackupData) error {
	current, err := v.store.ListDocuments(ctx)
	if err != nil {
		return fmt.Errorf("failed to list documents: %w", err)
	}
	for _, name := range current {
		if _, kept := data.Documents[name]; kept || name == keystore.DocumentName {
			continue
		}
		if err = v.store.DeleteDocument(ctx, name); err != nil && !misc.IsNotFoundError(err) {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	for name, doc := range data.Documents {
		if name == keystore.DocumentName {
			continue
		}
		if _, err = v.store.SaveDocument(ctx, name, doc, ""); err != nil {
			return fmt.Errorf("failed to restore %s: %w", name, err)
		}
	}
	return nil
}

// reloadFromStore points every component at the restored documents
func (v *Vault) reloadFromStore(ctx context.Context) error {
	if err := v.rotation.Reload(ctx); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	for _, r := range []interface{ Reload(context.Context) error }{v.items, v.passwords, v.users} {
		if err := r.Reload(ctx); err != nil {
			return err
		}
	}
	return nil
}
