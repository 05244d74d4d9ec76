package safesphere

import (
	"context"
	"testing"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/audit"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/envelope"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/errs"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/keystore"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupAndRestore(t *testing.T) {
	ctx := context.Background()
	v := newTestEnv(t).open(t)
	defer v.Close()

	first, err := v.Items().Add(ctx, repository.Draft[repository.ItemCategory]{Title: "will", Content: "last testament", Category: repository.ItemLegal})
	require.NoError(t, err)
	second, err := v.Items().Add(ctx, repository.Draft[repository.ItemCategory]{Title: "blood type", Content: "O-", Category: repository.ItemMedical})
	require.NoError(t, err)

	info, err := v.CreateBackup(ctx, passPhrase)
	require.NoError(t, err)
	assert.True(t, info.IsValid)
	assert.Equal(t, BackupVersion, info.BackupVersion)
	assert.Equal(t, BackupEncryptionMethod, info.EncryptionMethod)
	assert.GreaterOrEqual(t, info.DocumentCount, 3)

	backups, err := v.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, info.BackupID, backups[0].BackupID)

	// diverge from the backup
	require.NoError(t, v.Items().Delete(ctx, first.ID))
	_, err = v.Passwords().Add(ctx, repository.Draft[repository.PasswordCategory]{Title: "new", Content: "s3cret-Value!", Category: repository.PasswordWork})
	require.NoError(t, err)
	res := v.RotateKey(ctx, true, "before restore")
	require.True(t, res.Success, res.Message)

	require.NoError(t, v.RestoreBackup(ctx, info.BackupID, passPhrase))

	assert.Equal(t, 2, v.Items().Len())
	assert.Equal(t, 0, v.Passwords().Len(), "documents missing from the backup are removed")
	assert.Equal(t, envelope.DefaultKeyID, v.Status().CurrentKeyID)
	assert.Empty(t, v.Rotation().History())

	for id, want := range map[string]string{first.ID: "last testament", second.ID: "O-"} {
		got, err := v.Items().GetDecrypted(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Content)
	}

	all := actions(t, v.Ledger())
	assert.Contains(t, all, audit.BackupRestored)
	assert.NotContains(t, all, audit.KeyRotated, "the restored chain predates the rotation")

	finding, err := v.VerifyAuditTrail(ctx)
	require.NoError(t, err)
	assert.True(t, finding.Valid, finding.Message)
}

func TestBackupExcludesKeyStore(t *testing.T) {
	ctx := context.Background()
	opts := DefaultOptions(t.TempDir())
	opts.EnableMemoryLock = false
	opts.Passphrase = passPhrase
	v, err := New(ctx, opts, Dependencies{})
	require.NoError(t, err)
	defer v.Close()

	exists, err := v.store.DocumentExists(ctx, keystore.DocumentName)
	require.NoError(t, err)
	require.True(t, exists)

	data, err := v.collectBackupData(ctx)
	require.NoError(t, err)
	assert.NotContains(t, data.Documents, keystore.DocumentName)
	assert.Contains(t, data.Documents, audit.DocumentName)
}

func TestBackupErrors(t *testing.T) {
	ctx := context.Background()
	v := newTestEnv(t).open(t)
	defer v.Close()

	_, err := v.CreateBackup(ctx, "short")
	assert.ErrorIs(t, err, errs.ErrValidation)

	info, err := v.CreateBackup(ctx, passPhrase)
	require.NoError(t, err)

	err = v.RestoreBackup(ctx, info.BackupID, "the-wrong-passphrase")
	assert.ErrorIs(t, err, errs.ErrDecryption)

	err = v.RestoreBackup(ctx, "backup_19700101_000000_deadbeef", passPhrase)
	assert.Error(t, err)

	require.NoError(t, v.DeleteBackup(ctx, info.BackupID))
	backups, err := v.ListBackups(ctx)
	require.NoError(t, err)
	assert.Empty(t, backups)

	entries, err := v.Ledger().Entries(ctx)
	require.NoError(t, err)
	var created []bool
	for _, e := range entries {
		if e.Action == audit.BackupCreated {
			created = append(created, e.Succeeded())
		}
	}
	assert.Equal(t, []bool{false, true}, created)
}
