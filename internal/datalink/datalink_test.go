package datalink

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Totoro-Yes/VerManager/internal/protocol"
)

func TestListenerDispatchesBinaryFrames(t *testing.T) {
	var mu sync.Mutex
	var received []protocol.BinaryFrame

	l := New("127.0.0.1:0", func(conn net.Conn, frame protocol.BinaryFrame) error {
		mu.Lock()
		received = append(received, frame)
		mu.Unlock()
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go l.Serve(ctx)
	addr := l.Addr()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame := protocol.BinaryFrame{FileName: "out.tar", TaskID: "9_main", Parent: "job-1", Menu: "", Payload: []byte("data")}
	encoded, err := protocol.EncodeBinary(frame)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if _, err := conn.Write(encoded); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	eof, err := protocol.EncodeBinary(protocol.BinaryFrame{FileName: "out.tar", TaskID: "9_main", Parent: "job-1"})
	if err != nil {
		t.Fatalf("encode eof frame: %v", err)
	}
	if _, err := conn.Write(eof); err != nil {
		t.Fatalf("write eof frame: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received = %d frames, want 1", len(received))
	}
	if received[0].TaskID != "9_main" || string(received[0].Payload) != "data" {
		t.Errorf("frame = %+v", received[0])
	}
}

func TestListenerInvokesOnEnd(t *testing.T) {
	var mu sync.Mutex
	ended := false

	l := New("127.0.0.1:0", func(conn net.Conn, frame protocol.BinaryFrame) error {
		return nil
	}, nil)
	l.OnEnd(func(conn net.Conn, frame protocol.BinaryFrame) {
		mu.Lock()
		ended = true
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go l.Serve(ctx)
	addr := l.Addr()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	eof, err := protocol.EncodeBinary(protocol.BinaryFrame{FileName: "out.tar", TaskID: "9_main"})
	if err != nil {
		t.Fatalf("encode eof frame: %v", err)
	}
	if _, err := conn.Write(eof); err != nil {
		t.Fatalf("write eof frame: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := ended
		mu.Unlock()
		if done {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("OnEnd was not invoked")
}
