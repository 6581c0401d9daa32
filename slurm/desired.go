package slurm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/samber/lo"
)

// ErrStateUnavailable means the desired-state file for a node group could not
// be read this tick. Callers must treat the desired set as unknown, not
// empty, and skip resizing the group until the file is readable again.
var ErrStateUnavailable = errors.New("desired state unavailable")

// DesiredStateDir reads the per-nodegroup desired node files written by the
// external resume/suspend programs. Files contain one node name per line and
// are only ever read here, under a shared lock, so a read never observes a
// half-written update.
type DesiredStateDir struct {
	dir         string
	lockTimeout time.Duration
}

func NewDesiredStateDir(dir string, lockTimeout time.Duration) *DesiredStateDir {
	return &DesiredStateDir{dir: dir, lockTimeout: lockTimeout}
}

// Read returns the desired node set of a group, sorted by node index.
func (d *DesiredStateDir) Read(ctx context.Context, partition, nodegroup string) ([]string, error) {
	path := filepath.Join(d.dir, partition+"-"+nodegroup+".nodes")

	lockCtx, cancel := context.WithTimeout(ctx, d.lockTimeout)
	defer cancel()

	lock := flock.New(path + ".lock")
	locked, err := lock.TryRLockContext(lockCtx, 100*time.Millisecond)
	if err != nil || !locked {
		return nil, fmt.Errorf("failed to lock %s: %w", path, ErrStateUnavailable)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, ErrStateUnavailable)
	}

	names := lo.FilterMap(strings.Split(string(data), "\n"), func(line string, _ int) (string, bool) {
		name := strings.TrimSpace(line)
		return name, name != ""
	})
	return SortByIndex(lo.Uniq(names)), nil
}
