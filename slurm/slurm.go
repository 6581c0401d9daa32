// Package slurm wraps the external collaborators owned by the scheduler side
// of the system: scontrol node updates, the desired-state files written by
// the resume/suspend programs, the node naming scheme, and the hosts file.
package slurm

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
)

// Client issues node updates through scontrol. Failures are retryable: the
// reconciliation loop recomputes and replays updates on the next tick.
type Client struct {
	binPath string
	log     *slog.Logger
}

func NewClient(binPath string, logger *slog.Logger) *Client {
	return &Client{binPath: binPath, log: logger}
}

// UpdateNode points a node name at the instance that now backs it.
func (c *Client) UpdateNode(ctx context.Context, name, ip, hostname string) error {
	return c.scontrol(ctx, "update", "nodename="+name, "nodeaddr="+ip, "nodehostname="+hostname)
}

// PowerDownNodes marks nodes as power-down eligible so Slurm resumes them
// through the normal power-save cycle.
func (c *Client) PowerDownNodes(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	return c.scontrol(ctx, "update", "nodename="+strings.Join(names, ","), "state=POWER_DOWN", "reason=instance_terminated")
}

func (c *Client) scontrol(ctx context.Context, args ...string) error {
	path := filepath.Join(c.binPath, "scontrol")
	c.log.Debug("Running scontrol", "args", args)

	out, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("scontrol %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
