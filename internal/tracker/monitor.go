package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/chaz8081/recast/internal/pipewire"
)

// Session is one live connection to the audio session manager.
type Session interface {
	// Batches yields graph updates. It is closed when the session ends.
	Batches() <-chan []json.RawMessage
	// Err reports why the session ended, after Batches is closed.
	Err() error
	Close() error
}

// Monitor opens sessions against the audio session manager.
type Monitor interface {
	Connect(ctx context.Context) (Session, error)
}

// PwDumpMonitor runs "pw-dump --monitor" and streams its output.
type PwDumpMonitor struct {
	Command string
	Logger  *slog.Logger
}

// Connect starts the dump process. It fails when the command cannot be
// started, which callers treat as "session manager unavailable".
func (m *PwDumpMonitor) Connect(ctx context.Context) (Session, error) {
	args, err := pipewire.ParseCommand(m.Command)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // command comes from user config
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("tracker: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("tracker: start %s: %w", args[0], err)
	}

	s := &dumpSession{
		cmd:     cmd,
		cancel:  cancel,
		batches: make(chan []json.RawMessage, 16),
	}
	go s.read(ctx, stdout)
	return s, nil
}

type dumpSession struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	batches chan []json.RawMessage

	mu  sync.Mutex
	err error
}

func (s *dumpSession) read(ctx context.Context, r io.Reader) {
	defer close(s.batches)

	err := pipewire.Stream(r, func(b []json.RawMessage) error {
		select {
		case s.batches <- b:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	waitErr := s.cmd.Wait()
	if err == nil {
		err = waitErr
	}
	if err == nil {
		err = io.EOF
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *dumpSession) Batches() <-chan []json.RawMessage { return s.batches }

func (s *dumpSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *dumpSession) Close() error {
	s.cancel()
	return nil
}
