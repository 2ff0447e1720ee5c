package shm

import (
	"encoding/hex"
	"os"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// DefaultDir is where segments are created when no directory is set.
const DefaultDir = "/dev/shm"

// ShmID derives the segment name prefix of a session. Processes must use
// the same session and user id to share segments.
func ShmID(session string, uid int) string {
	sum := blake2b.Sum256([]byte(session + "." + strconv.Itoa(uid)))
	return hex.EncodeToString(sum[:4])
}

// MainName returns the managed segment name of shmID.
func MainName(shmID string) string {
	return "fmq_" + shmID + "_main"
}

// RegionName returns the name of unmanaged region id of shmID.
func RegionName(shmID string, id uint64) string {
	return "fmq_" + shmID + "_rg_" + strconv.FormatUint(id, 10)
}

// ResolveDir returns dir, or DefaultDir when it exists, or the system
// temporary directory.
func ResolveDir(dir string) string {
	if dir != "" {
		return dir
	}
	if fi, err := os.Stat(DefaultDir); err == nil && fi.IsDir() {
		return DefaultDir
	}
	return os.TempDir()
}
