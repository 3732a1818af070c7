// Package session owns the lifetime of one worker's TCP connection: the
// Property handshake, heartbeat, and the read/write loops that move framed
// messages between the socket and the rest of the master.
package session

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Totoro-Yes/VerManager/internal/protocol"
	"github.com/Totoro-Yes/VerManager/internal/registry"
	"golang.org/x/crypto/sha3"
)

const (
	handshakeTimeout = 3 * time.Second
	heartbeatPeriod  = 3 * time.Second
	readTimeout      = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// ErrAuthFailed is returned when a Property frame's token does not match.
var ErrAuthFailed = errors.New("session: token validation failed")

// TokenValidator checks a worker's presented token. Implementations hash
// and compare in constant time; see HashToken/TokensEqual below.
type TokenValidator interface {
	ValidateToken(ident, token string) bool
}

// Handler processes one decoded text message arriving on a session.
type Handler func(ident string, msg protocol.Message)

// BinaryHandler processes one binary frame arriving on a session.
type BinaryHandler func(ident string, frame protocol.BinaryFrame)

// LossNotifier is told when a worker's session has dropped, so its in-proc
// tasks can be redispatched.
type LossNotifier interface {
	WorkerLostRedispatch(workerIdent string)
}

// Session drives one worker connection: handshake, then concurrent
// read and write pumps until the connection drops.
type Session struct {
	conn   net.Conn
	ident  string
	connID string // correlation id for this accepted connection, distinct from the job unique-id counter
	room   *registry.Room
	fr     *protocol.FrameReader
	log    *slog.Logger
	seq    int64
	handle Handler
	bhand  BinaryHandler
	lost   LossNotifier
}

// Accept performs the Property handshake on a freshly-dialed connection,
// registers the worker in room, and launches its read/write pumps. It
// blocks until the handshake completes (success or failure) and returns
// promptly; the pumps run in background goroutines.
func Accept(conn net.Conn, room *registry.Room, validator TokenValidator, handle Handler, bhand BinaryHandler, lost LossNotifier, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	fr := protocol.NewFrameReader(conn)

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	kind, body, _, err := fr.ReadFrame()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read property frame: %w", err)
	}
	if kind != protocol.FrameText {
		conn.Close()
		return nil, errors.New("expected text frame for Property handshake")
	}

	msg, err := protocol.Decode(body)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode property frame: %w", err)
	}
	if msg.Type != protocol.TypeProperty {
		conn.Close()
		return nil, fmt.Errorf("expected %q, got %q", protocol.TypeProperty, msg.Type)
	}

	header, err := protocol.DecodeHeader[protocol.PropertyHeader](msg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode property header: %w", err)
	}
	content, err := protocol.DecodeContent[protocol.PropertyContent](msg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode property content: %w", err)
	}

	if validator != nil && !validator.ValidateToken(header.Ident, header.Token) {
		conn.Close()
		return nil, ErrAuthFailed
	}

	w, reclaimed := room.Accept(header.Ident, content.Role, content.MAX)
	room.SetProc(header.Ident, content.PROC)

	connID := uuid.NewString()
	s := &Session{
		conn:   conn,
		ident:  header.Ident,
		connID: connID,
		room:   room,
		fr:     fr,
		log:    log.With("worker", header.Ident, "conn_id", connID),
		handle: handle,
		bhand:  bhand,
		lost:   lost,
		seq:    -1, // first sendHeartbeat call yields N=0
	}

	if err := s.sendAck(reclaimed); err != nil {
		room.MarkWaiting(header.Ident)
		conn.Close()
		return nil, fmt.Errorf("send property ack: %w", err)
	}

	go s.writePump(w.Send)
	go s.readLoop()

	s.log.Info("worker connected", "reclaimed", reclaimed, "role", content.Role, "max", content.MAX)
	return s, nil
}

// ConnID returns this session's connection correlation id, distinct from
// any job or task identifier.
func (s *Session) ConnID() string {
	return s.connID
}

func (s *Session) sendAck(reclaimed bool) error {
	ackRaw, err := protocol.Encode(protocol.TypePropOK, struct{}{}, protocol.PropOKContent{Ident: s.ident})
	if err != nil {
		return err
	}
	if err := s.write(ackRaw); err != nil {
		return err
	}

	cmdType := protocol.CommandAcceptRst
	if reclaimed {
		cmdType = protocol.CommandAccept
	}
	cmdRaw, err := protocol.Encode(protocol.TypeCommand, protocol.CommandHeader{Type: cmdType}, struct{}{})
	if err != nil {
		return err
	}
	return s.write(cmdRaw)
}

func (s *Session) write(body []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return protocol.WriteFrame(s.conn, body)
}

// writePump drains the worker's send channel and heartbeats on a timer,
// stopping when the channel is closed (worker removed from the room).
func (s *Session) writePump(send chan []byte) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	if !s.sendHeartbeat() {
		s.conn.Close()
		return
	}

	for {
		select {
		case body, ok := <-send:
			if !ok {
				s.conn.Close()
				return
			}
			if err := s.write(body); err != nil {
				s.log.Warn("write failed", "error", err)
				s.conn.Close()
				return
			}
		case <-ticker.C:
			if !s.sendHeartbeat() {
				s.conn.Close()
				return
			}
		}
	}
}

// sendHeartbeat writes heartbeat N and reports whether the send succeeded.
func (s *Session) sendHeartbeat() bool {
	raw, err := protocol.NewHeartbeat(s.ident, atomic.AddInt64(&s.seq, 1))
	if err != nil {
		return true
	}
	body, _ := protocol.Encode(raw.Type, raw.Header, raw.Content)
	if err := s.write(body); err != nil {
		s.log.Warn("heartbeat failed", "error", err)
		return false
	}
	return true
}

// readLoop is the session's single reader: it dispatches text frames to
// Handler and binary frames to BinaryHandler until the connection fails,
// at which point the worker is marked WAITING and its tasks redispatched.
func (s *Session) readLoop() {
	defer s.onDisconnect()

	for {
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		kind, body, frame, err := s.fr.ReadFrame()
		if err != nil {
			s.log.Info("connection closed", "error", err)
			return
		}
		s.room.Touch(s.ident)

		switch kind {
		case protocol.FrameText:
			msg, err := protocol.Decode(body)
			if err != nil {
				s.log.Warn("malformed frame", "error", err)
				continue
			}
			if s.handle != nil {
				s.handle(s.ident, msg)
			}
		case protocol.FrameBinary:
			if s.bhand != nil {
				s.bhand(s.ident, frame)
			}
		}
	}
}

func (s *Session) onDisconnect() {
	s.room.MarkWaiting(s.ident)
	if s.lost != nil {
		s.lost.WorkerLostRedispatch(s.ident)
	}
}

// HashToken returns the SHA3-256 digest of a token, the form tokens are
// stored and compared in.
func HashToken(token string) []byte {
	sum := sha3.Sum256([]byte(token))
	return sum[:]
}

// TokensEqual performs a constant-time comparison of two token digests,
// avoiding timing side-channels during Property handshake validation.
func TokensEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// StaticValidator validates against a fixed ident -> token-hash table,
// suitable for config-file-defined worker fleets.
type StaticValidator struct {
	Tokens map[string][]byte // ident -> sha3-256(token)
}

// ValidateToken implements TokenValidator.
func (v StaticValidator) ValidateToken(ident, token string) bool {
	want, ok := v.Tokens[ident]
	if !ok {
		return false
	}
	return TokensEqual(want, HashToken(token))
}

// Manager implements dispatcher.Sender by writing to a worker's Send
// channel in the registry room.
type Manager struct {
	Room *registry.Room
}

// SendToWorker encodes msg and queues it on ident's send channel. It
// returns an error if the worker is unknown or its channel has no room.
func (m Manager) SendToWorker(ident string, msg protocol.Message) error {
	w := m.Room.Get(ident)
	if w == nil {
		return fmt.Errorf("session: unknown worker %q", ident)
	}
	body, err := protocol.Encode(msg.Type, msg.Header, msg.Content)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	select {
	case w.Send <- body:
		return nil
	default:
		return fmt.Errorf("session: send queue full for worker %q", ident)
	}
}
