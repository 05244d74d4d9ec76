package backup

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateBackupID generates a unique, time-sortable backup ID
func GenerateBackupID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("backup_%s_%s",
		time.Now().UTC().Format("20060102_150405"),
		hex.EncodeToString(buf))
}
