package audit

import (
	"fmt"
)

// Action is a security-relevant vault lifecycle event.
type Action string

const (
	VaultCreated      Action = "VAULT_CREATED"
	VaultOpened       Action = "VAULT_OPENED"
	VaultLocked       Action = "VAULT_LOCKED"
	ItemAdded         Action = "ITEM_ADDED"
	ItemAccessed      Action = "ITEM_ACCESSED"
	ItemModified      Action = "ITEM_MODIFIED"
	ItemDeleted       Action = "ITEM_DELETED"
	KeyRotated        Action = "KEY_ROTATED"
	IntegrityFailure  Action = "INTEGRITY_FAILURE"
	ChainVerified     Action = "CHAIN_VERIFIED"
	BackupCreated     Action = "BACKUP_CREATED"
	BackupRestored    Action = "BACKUP_RESTORED"
	UserAuthenticated Action = "USER_AUTHENTICATED"
	AuditReset        Action = "AUDIT_RESET"
)

var knownActions = map[Action]struct{}{
	VaultCreated:      {},
	VaultOpened:       {},
	VaultLocked:       {},
	ItemAdded:         {},
	ItemAccessed:      {},
	ItemModified:      {},
	ItemDeleted:       {},
	KeyRotated:        {},
	IntegrityFailure:  {},
	ChainVerified:     {},
	BackupCreated:     {},
	BackupRestored:    {},
	UserAuthenticated: {},
	AuditReset:        {},
}

// Valid reports whether a is one of the declared actions.
func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

func (a Action) String() string {
	return string(a)
}

// ParseAction returns the action named s.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown audit action %q", s)
	}
	return a, nil
}

// SecurityCritical actions are exported at a raised syslog severity
func (a Action) SecurityCritical() bool {
	switch a {
	case KeyRotated, IntegrityFailure, VaultLocked, AuditReset, BackupRestored:
		return true
	}
	return false
}
