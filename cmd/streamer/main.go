// The streamer is the per-room child process. It talks JSON lines with the
// broker on stdin/stdout and logs to stderr; the process exit code reports
// how the session ended.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/couchbridge/server/internal/ipc"
	"github.com/couchbridge/server/internal/streamer"
	"github.com/couchbridge/server/internal/upstream"
)

func main() {
	// stdout belongs to the IPC link, so logging goes to stderr
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	sender := ipc.NewSender(os.Stdout, logger)
	receiver := ipc.NewReceiver(os.Stdin, logger)

	// The native game-host client is bound in here. The loopback client is
	// the in-tree backend; it keeps the process runnable end to end without
	// a paired game host.
	client := upstream.NewLoopbackClient()

	session := streamer.NewSession(client, sender, logger)
	code := session.Run(context.Background(), receiver)

	sender.Close()
	os.Exit(code)
}
