package ipc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	segjson "github.com/segmentio/encoding/json"
)

const (
	// maxLineSize bounds one IPC line. Media payloads are base64 inside the
	// JSON, so this must comfortably exceed the largest framed access unit.
	maxLineSize = 4 << 20

	sendQueueDepth = 64
)

var (
	ErrClosed      = errors.New("ipc closed")
	ErrLineTooLong = errors.New("ipc line exceeds maximum size")
)

func marshalJSON(v any) ([]byte, error) {
	return segjson.Marshal(v)
}

func unmarshalJSON(data []byte, v any) error {
	return segjson.Unmarshal(data, v)
}

// Sender serialises messages as JSON lines onto w from a single writer
// goroutine. Safe for concurrent use.
type Sender struct {
	queue  chan *Message
	done   chan struct{}
	logger *slog.Logger
}

func NewSender(w io.Writer, logger *slog.Logger) *Sender {
	s := &Sender{
		queue:  make(chan *Message, sendQueueDepth),
		done:   make(chan struct{}),
		logger: logger,
	}

	go s.run(w)

	return s
}

func (s *Sender) run(w io.Writer) {
	defer close(s.done)

	bw := bufio.NewWriter(w)
	for msg := range s.queue {
		line, err := marshalJSON(msg)
		if err != nil {
			s.logger.Warn("failed to encode ipc message", "error", err)
			continue
		}

		if _, err := bw.Write(line); err != nil {
			s.logger.Warn("failed to write ipc message", "error", err)
			return
		}
		if err := bw.WriteByte('\n'); err != nil {
			s.logger.Warn("failed to write ipc message", "error", err)
			return
		}
		if err := bw.Flush(); err != nil {
			s.logger.Warn("failed to flush ipc message", "error", err)
			return
		}
	}
}

// Send enqueues a message, blocking while the send queue is full; when the
// writer has died the message is dropped with a warning.
func (s *Sender) Send(msg *Message) {
	select {
	case s.queue <- msg:
	case <-s.done:
		s.logger.Warn("dropping ipc message, sender closed", "type", msg.Type)
	}
}

// Close stops the writer after draining queued messages.
func (s *Sender) Close() {
	close(s.queue)
	<-s.done
}

// Receiver reads JSON lines from r. Not safe for concurrent use; a single
// reader loop owns it.
type Receiver struct {
	scanner *bufio.Scanner
	errored bool
	logger  *slog.Logger
}

func NewReceiver(r io.Reader, logger *slog.Logger) *Receiver {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	return &Receiver{scanner: scanner, logger: logger}
}

// Recv returns the next message. io.EOF means the peer closed its end.
func (r *Receiver) Recv(ctx context.Context) (*Message, error) {
	if r.errored {
		return nil, ErrClosed
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !r.scanner.Scan() {
			r.errored = true
			if err := r.scanner.Err(); err != nil {
				if errors.Is(err, bufio.ErrTooLong) {
					return nil, fmt.Errorf("%w: %w", ErrLineTooLong, err)
				}
				return nil, err
			}
			return nil, io.EOF
		}

		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := unmarshalJSON(line, &msg); err != nil {
			r.logger.Warn("failed to decode ipc message", "error", err)
			continue
		}

		return &msg, nil
	}
}
