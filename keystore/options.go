package keystore

import (
	vcrypto "github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/crypto"
	"github.com/Jaswanthnimmalla/SafeSphere-sub002/internal/logging"
)

// Options configure durable key stores
type Options struct {
	// Passphrase unlocks the store. It is wiped by Open.
	Passphrase []byte
	// KDF applies only when a store is created; existing stores use their recorded parameters.
	KDF    vcrypto.KDFParams
	Logger logging.Logger
}

func (o Options) kdf() vcrypto.KDFParams {
	if o.KDF.Time == 0 || o.KDF.Memory == 0 || o.KDF.Threads == 0 {
		return vcrypto.DefaultKDFParams()
	}
	return o.KDF
}
