package misc

import "os"

const (
	// ArgonTime Key derivation parameters
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
	SaltSize            = 16

	// Password verifier parameters; lighter than key derivation since users log in often
	VerifierTime   uint32 = 2
	VerifierMemory uint32 = 32 * 1024

	// PBKDF2Iterations for passphrase-protected backups
	PBKDF2Iterations = 100000

	MinPassphraseLength = 12

	SymmetricKeySize = 32
	RSAKeyBits       = 2048

	FilePermissions os.FileMode = 0600 // user read + write
	DirPermissions  os.FileMode = 0700
)
