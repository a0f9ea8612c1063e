// Package transport implements the Framed Transport (C4) from spec.md
// §4.4: newline-delimited JSON-RPC frames over a child process's stdio,
// with back-pressure on writes and an idempotent, callback-driven
// lifecycle. Grounded on the read-loop shape of other_examples'
// Bigsy-mcpmu server.Run (bufio.Reader.ReadBytes('\n') fed through a
// channel) turned inside-out: there we read our own stdin, here we read a
// child's stdout.
package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Session is one framed transport attached to a child's stdio pipes.
type Session struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser

	onMessage func(json.RawMessage)
	onError   func(error)
	onClose   func()

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// Option configures a Session's lifecycle callbacks.
type Option func(*Session)

func OnMessage(f func(json.RawMessage)) Option { return func(s *Session) { s.onMessage = f } }
func OnError(f func(error)) Option             { return func(s *Session) { s.onError = f } }
func OnClose(f func()) Option                  { return func(s *Session) { s.onClose = f } }

// New attaches a Session to stdin/stdout and starts the read loop in a
// background goroutine. Callbacks fire from that goroutine.
func New(stdin io.WriteCloser, stdout io.ReadCloser, opts ...Option) *Session {
	s := &Session{stdin: stdin, stdout: stdout}
	for _, opt := range opts {
		opt(s)
	}
	go s.readLoop()
	return s
}

func (s *Session) readLoop() {
	scanner := bufio.NewScanner(s.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var probe json.RawMessage
		if err := json.Unmarshal(line, &probe); err != nil {
			preview := string(line)
			if len(preview) > 200 {
				preview = preview[:200] + "…"
			}
			s.emitError(fmt.Errorf("malformed frame (preview %q): %w", preview, err))
			break
		}

		frame := append(json.RawMessage(nil), line...)
		if s.onMessage != nil {
			s.onMessage(frame)
		}
	}

	if err := scanner.Err(); err != nil {
		s.emitError(err)
	}

	s.Close()
}

func (s *Session) emitError(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

// Send writes one frame, appending the newline delimiter, and blocks until
// the underlying write completes (the pipe write itself provides the
// back-pressure: it does not return until the kernel has accepted the
// bytes).
func (s *Session) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.closeMu.Lock()
	closed := s.closed
	s.closeMu.Unlock()
	if closed {
		return io.ErrClosedPipe
	}

	_, err = s.stdin.Write(data)
	return err
}

// Close is idempotent; after the first call, no further frames are
// emitted and any in-flight Send fails.
func (s *Session) Close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	s.closeMu.Unlock()

	_ = s.stdin.Close()
	_ = s.stdout.Close()

	if s.onClose != nil {
		s.onClose()
	}
}

// Closed reports whether Close has already run.
func (s *Session) Closed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}
