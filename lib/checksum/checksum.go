package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// FileID derives the identifier a file is backed up under. Any change to the
// path, size or modification time produces a different id, so a modified
// file is treated as a new file.
func FileID(path string, size int64, modTime time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%d:%d", path, size, modTime.UnixNano())

	return hex.EncodeToString(h.Sum(nil))
}
