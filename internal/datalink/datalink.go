// Package datalink is a second TCP listener dedicated to binary artifact
// frames, isolating bulk file transfer from the control-plane connection
// that internal/session manages.
package datalink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/Totoro-Yes/VerManager/internal/protocol"
)

// Handler processes one binary frame read off a data-link connection.
// Returning an error closes the connection.
type Handler func(conn net.Conn, frame protocol.BinaryFrame) error

// EndHandler is invoked when a stream's end-of-stream frame arrives, after
// every preceding chunk on that connection has reached Handler. Useful
// for assemblers that buffer chunks per-connection and finalize on EOS.
type EndHandler func(conn net.Conn, frame protocol.BinaryFrame)

// Listener accepts connections on a dedicated data port and dispatches
// each binary frame it reads to Handler, one goroutine per connection.
type Listener struct {
	addr    string
	handle  Handler
	end     EndHandler
	log     *slog.Logger
	ln      net.Listener
	closeCh chan struct{}
	readyCh chan string
}

// New creates a Listener bound to addr (not yet listening; call Serve).
func New(addr string, handle Handler, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{addr: addr, handle: handle, log: log, closeCh: make(chan struct{}), readyCh: make(chan string, 1)}
}

// OnEnd registers fn to run when a connection's end-of-stream frame
// arrives, before the connection is closed. Returns l for chaining.
func (l *Listener) OnEnd(fn EndHandler) *Listener {
	l.end = fn
	return l
}

// Addr blocks until Serve has bound its listener, then returns its address.
func (l *Listener) Addr() string {
	addr := <-l.readyCh
	l.readyCh <- addr
	return addr
}

// Serve listens and accepts connections until ctx is cancelled or Close
// is called. It blocks; run it in its own goroutine.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("datalink: listen %s: %w", l.addr, err)
	}
	l.ln = ln
	l.readyCh <- ln.Addr().String()
	l.log.Info("datalink listening", "addr", l.addr)

	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-l.closeCh:
			ln.Close()
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-l.closeCh:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Warn("datalink accept failed", "error", err)
			continue
		}
		go l.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	close(l.closeCh)
	return nil
}

func (l *Listener) handleConn(conn net.Conn) {
	defer conn.Close()
	fr := protocol.NewFrameReader(conn)

	for {
		kind, _, binFrame, err := fr.ReadFrame()
		if err != nil {
			return
		}
		if kind != protocol.FrameBinary {
			l.log.Warn("datalink dropped non-binary frame")
			continue
		}
		if binFrame.IsEndOfStream() {
			if l.end != nil {
				l.end(conn, binFrame)
			}
			return
		}
		if err := l.handle(conn, binFrame); err != nil {
			l.log.Warn("datalink handler failed", "file", binFrame.FileName, "error", err)
			return
		}
	}
}
