package slurm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// HostsFile maintains name resolution for compute nodes. Entries are only
// ever added or overwritten: suspend never removes them, since a stale entry
// is harmless and gets overwritten when the name is reused.
type HostsFile struct {
	path        string
	lockTimeout time.Duration
}

func NewHostsFile(path string, lockTimeout time.Duration) *HostsFile {
	return &HostsFile{path: path, lockTimeout: lockTimeout}
}

// Set maps hostname to ip, replacing any previous entry for the same
// hostname. The whole read-modify-write runs under an exclusive lock shared
// with any other writer of the file.
func (h *HostsFile) Set(ip, hostname string) error {
	lockCtx, cancel := context.WithTimeout(context.Background(), h.lockTimeout)
	defer cancel()

	lock := flock.New(h.path + ".lock")
	locked, err := lock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", h.path, err)
	}
	if !locked {
		return fmt.Errorf("failed to lock %s: lock held", h.path)
	}
	defer func() { _ = lock.Unlock() }()

	var entries []string
	if data, err := os.ReadFile(h.path); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimRight(line, "\r")
			columns := strings.Fields(line)
			// Drop a previous entry for this hostname; it is re-added below.
			if len(columns) > 1 && columns[1] == hostname {
				continue
			}
			if line != "" {
				entries = append(entries, line)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", h.path, err)
	}

	entries = append(entries, ip+" "+hostname)
	if err := os.WriteFile(h.path, []byte(strings.Join(entries, "\n")+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", h.path, err)
	}
	return nil
}
