package session

import (
	"net"
	"testing"
	"time"

	"github.com/Totoro-Yes/VerManager/internal/protocol"
	"github.com/Totoro-Yes/VerManager/internal/registry"
)

type allowAll struct{}

func (allowAll) ValidateToken(ident, token string) bool { return true }

func sendPropertyFrame(t *testing.T, conn net.Conn, ident, role string, max, proc int) {
	t.Helper()
	raw, err := protocol.Encode(protocol.TypeProperty,
		protocol.PropertyHeader{Ident: ident, Token: "tok"},
		protocol.PropertyContent{MAX: max, PROC: proc, Role: role})
	if err != nil {
		t.Fatalf("encode property: %v", err)
	}
	if err := protocol.WriteFrame(conn, raw); err != nil {
		t.Fatalf("write property frame: %v", err)
	}
}

func readTextMessage(t *testing.T, conn net.Conn) protocol.Message {
	t.Helper()
	fr := protocol.NewFrameReader(conn)
	kind, body, _, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if kind != protocol.FrameText {
		t.Fatalf("expected text frame, got kind=%v", kind)
	}
	msg, err := protocol.Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func TestAcceptFreshWorkerHandshake(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	room := registry.New(time.Minute, nil, nil)
	defer room.Stop()

	sendDone := make(chan struct{})
	go func() {
		sendPropertyFrame(t, clientConn, "w-1", protocol.RoleNormal, 4, 0)
		close(sendDone)
	}()

	sessDone := make(chan *Session, 1)
	go func() {
		s, err := Accept(serverConn, room, allowAll{}, nil, nil, nil, nil)
		if err != nil {
			t.Errorf("Accept failed: %v", err)
		}
		sessDone <- s
	}()

	ackMsg := readTextMessage(t, clientConn)
	if ackMsg.Type != protocol.TypePropOK {
		t.Fatalf("first reply type = %q, want propOK", ackMsg.Type)
	}

	cmdMsg := readTextMessage(t, clientConn)
	if cmdMsg.Type != protocol.TypeCommand {
		t.Fatalf("second reply type = %q, want command", cmdMsg.Type)
	}
	cmdHeader, err := protocol.DecodeHeader[protocol.CommandHeader](cmdMsg)
	if err != nil {
		t.Fatalf("decode command header: %v", err)
	}
	if cmdHeader.Type != protocol.CommandAcceptRst {
		t.Errorf("command type = %q, want ACCEPT_RST for a fresh worker", cmdHeader.Type)
	}

	<-sendDone
	s := <-sessDone
	if s == nil {
		t.Fatal("expected non-nil session")
	}

	w := room.Get("w-1")
	if w == nil || w.Status() != registry.Online {
		t.Fatalf("worker not registered online: %+v", w)
	}
}

func TestAcceptReclaimsWaitingWorker(t *testing.T) {
	room := registry.New(time.Minute, nil, nil)
	defer room.Stop()
	room.Accept("w-1", protocol.RoleNormal, 4)
	room.MarkWaiting("w-1")

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	go sendPropertyFrame(t, clientConn, "w-1", protocol.RoleNormal, 4, 0)

	go Accept(serverConn, room, allowAll{}, nil, nil, nil, nil)

	readTextMessage(t, clientConn) // propOK
	cmdMsg := readTextMessage(t, clientConn)
	cmdHeader, err := protocol.DecodeHeader[protocol.CommandHeader](cmdMsg)
	if err != nil {
		t.Fatalf("decode command header: %v", err)
	}
	if cmdHeader.Type != protocol.CommandAccept {
		t.Errorf("command type = %q, want ACCEPT for a reclaimed worker", cmdHeader.Type)
	}
}

func TestAcceptRejectsBadToken(t *testing.T) {
	type denyAll struct{}
	room := registry.New(time.Minute, nil, nil)
	defer room.Stop()

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	go sendPropertyFrame(t, clientConn, "w-1", protocol.RoleNormal, 4, 0)

	validator := StaticValidator{Tokens: map[string][]byte{}}
	_, err := Accept(serverConn, room, validator, nil, nil, nil, nil)
	if err != ErrAuthFailed {
		t.Errorf("err = %v, want ErrAuthFailed", err)
	}
}

func TestTokensEqual(t *testing.T) {
	h1 := HashToken("secret")
	h2 := HashToken("secret")
	h3 := HashToken("other")

	if !TokensEqual(h1, h2) {
		t.Error("expected equal hashes of the same token to compare equal")
	}
	if TokensEqual(h1, h3) {
		t.Error("expected different tokens to compare unequal")
	}
}

func TestManagerSendToWorker(t *testing.T) {
	room := registry.New(time.Minute, nil, nil)
	defer room.Stop()
	room.Accept("w-1", protocol.RoleNormal, 4)

	mgr := Manager{Room: room}
	raw, _ := protocol.Encode(protocol.TypeCancel, protocol.CancelHeader{TaskId: "t-1"}, struct{}{})
	msg, _ := protocol.Decode(raw)

	if err := mgr.SendToWorker("w-1", msg); err != nil {
		t.Fatalf("SendToWorker failed: %v", err)
	}

	select {
	case body := <-room.Get("w-1").Send:
		got, err := protocol.Decode(body)
		if err != nil {
			t.Fatalf("decode queued body: %v", err)
		}
		if got.Type != protocol.TypeCancel {
			t.Errorf("queued type = %q, want cancel", got.Type)
		}
	default:
		t.Fatal("expected a message queued on worker's send channel")
	}
}

func TestManagerSendToUnknownWorker(t *testing.T) {
	room := registry.New(time.Minute, nil, nil)
	defer room.Stop()
	mgr := Manager{Room: room}

	raw, _ := protocol.Encode(protocol.TypeCancel, protocol.CancelHeader{TaskId: "t-1"}, struct{}{})
	msg, _ := protocol.Decode(raw)

	if err := mgr.SendToWorker("ghost", msg); err == nil {
		t.Error("expected error sending to unknown worker")
	}
}
