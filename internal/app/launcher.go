package app

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/couchbridge/server/internal/ipc"
	"github.com/couchbridge/server/internal/service/room"
)

// execLauncher spawns the streamer binary as a child process wired up for
// stdio IPC. Stderr is the child's log stream and is piped into the broker's
// logger line by line.
type execLauncher struct {
	path   string
	logger *slog.Logger
}

func newExecLauncher(path string, logger *slog.Logger) *execLauncher {
	return &execLauncher{path: path, logger: logger}
}

func (l *execLauncher) Launch(ctx context.Context) (*room.StreamerHandle, error) {
	cmd := exec.Command(l.path)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open streamer stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open streamer stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open streamer stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start streamer: %w", err)
	}

	logger := l.logger.With("streamer_pid", cmd.Process.Pid)

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Info("streamer: " + scanner.Text())
		}
	}()

	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Info("streamer exited", "error", err)
		} else {
			logger.Info("streamer exited cleanly")
		}
	}()

	return &room.StreamerHandle{
		Sender:   ipc.NewSender(stdin, logger),
		Receiver: ipc.NewReceiver(stdout, logger),
		Kill: func() {
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
		},
	}, nil
}
