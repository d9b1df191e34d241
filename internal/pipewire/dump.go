package pipewire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattn/go-shellwords"
)

// ParseCommand splits a configured command line with shell quoting rules.
func ParseCommand(command string) ([]string, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("pipewire: parse command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil, errors.New("pipewire: empty command")
	}
	return args, nil
}

// Snapshot runs a one-shot dump command (for example "pw-dump") and returns
// the resulting graph.
func Snapshot(ctx context.Context, command string) (*Graph, error) {
	args, err := ParseCommand(command)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // command comes from user config
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pipewire: %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}

	g := NewGraph()
	if err := Stream(&stdout, g.Apply); err != nil {
		return nil, err
	}
	return g, nil
}

// SocketAvailable reports whether a PipeWire daemon socket exists for this
// user session.
func SocketAvailable() bool {
	dir := os.Getenv("PIPEWIRE_RUNTIME_DIR")
	if dir == "" {
		dir = os.Getenv("XDG_RUNTIME_DIR")
	}
	if dir == "" {
		return false
	}
	remote := os.Getenv("PIPEWIRE_REMOTE")
	if remote == "" {
		remote = "pipewire-0"
	}
	_, err := os.Stat(filepath.Join(dir, remote))
	return err == nil
}
