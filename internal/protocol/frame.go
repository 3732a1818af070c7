package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Binary frame layout, byte-for-byte the original letter protocol:
//
//	marker(2) length(4) fileName(32) taskID(128) parent(64) menu(30) payload(length bytes)
//
// marker is always binaryMarker; length counts only the payload. Fixed
// fields are ASCII, right-padded with spaces and trimmed on read. An empty
// payload marks end-of-stream for the (taskID) it names.
const (
	binaryMarker = uint16(0x0001)

	fieldTypeLen   = 2
	fieldLengthLen = 4
	fieldFileLen   = 32
	fieldTaskLen   = 128
	fieldParentLen = 64
	fieldMenuLen   = 30

	// BinaryHeaderLen is the total fixed header size of a binary frame.
	BinaryHeaderLen = fieldTypeLen + fieldLengthLen + fieldFileLen + fieldTaskLen + fieldParentLen + fieldMenuLen
)

// BinaryFrame is one fixed-width binary frame: a chunk of an artifact
// stream keyed by task id, with an optional file name and parent/menu
// routing hints.
type BinaryFrame struct {
	FileName string
	TaskID   string
	Parent   string
	Menu     string
	Payload  []byte
}

// IsEndOfStream reports whether this frame marks the end of the stream for
// its TaskID (an empty payload is the sentinel).
func (f BinaryFrame) IsEndOfStream() bool {
	return len(f.Payload) == 0
}

func packField(s string, n int) ([]byte, error) {
	if len(s) > n {
		return nil, fmt.Errorf("field %q exceeds max length %d", s, n)
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	return b, nil
}

func unpackField(b []byte) string {
	// Trim trailing space padding; the original framing pads with ASCII
	// space, not NUL.
	end := len(b)
	for end > 0 && b[end-1] == ' ' {
		end--
	}
	return string(b[:end])
}

// EncodeBinary serializes a BinaryFrame to its wire form, including the
// marker and length prefix.
func EncodeBinary(f BinaryFrame) ([]byte, error) {
	if len(f.Payload) > MaxFrameSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds max frame size %d", len(f.Payload), MaxFrameSize)
	}
	fileName, err := packField(f.FileName, fieldFileLen)
	if err != nil {
		return nil, fmt.Errorf("fileName: %w", err)
	}
	taskID, err := packField(f.TaskID, fieldTaskLen)
	if err != nil {
		return nil, fmt.Errorf("taskID: %w", err)
	}
	parent, err := packField(f.Parent, fieldParentLen)
	if err != nil {
		return nil, fmt.Errorf("parent: %w", err)
	}
	menu, err := packField(f.Menu, fieldMenuLen)
	if err != nil {
		return nil, fmt.Errorf("menu: %w", err)
	}

	buf := make([]byte, BinaryHeaderLen+len(f.Payload))
	binary.BigEndian.PutUint16(buf[0:2], binaryMarker)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(f.Payload)))
	off := fieldTypeLen + fieldLengthLen
	copy(buf[off:], fileName)
	off += fieldFileLen
	copy(buf[off:], taskID)
	off += fieldTaskLen
	copy(buf[off:], parent)
	off += fieldParentLen
	copy(buf[off:], menu)
	off += fieldMenuLen
	copy(buf[off:], f.Payload)

	return buf, nil
}

// decodeBinaryHeader parses the fixed-width header (everything after the
// 2-byte marker) and returns the payload length it declares.
func decodeBinaryHeader(header []byte) (BinaryFrame, uint32, error) {
	if len(header) != BinaryHeaderLen-fieldTypeLen {
		return BinaryFrame{}, 0, fmt.Errorf("short binary header: got %d bytes", len(header))
	}
	length := binary.BigEndian.Uint32(header[0:4])
	if length > MaxFrameSize {
		return BinaryFrame{}, 0, fmt.Errorf("declared payload length %d exceeds max frame size %d", length, MaxFrameSize)
	}
	off := fieldLengthLen
	fileName := unpackField(header[off : off+fieldFileLen])
	off += fieldFileLen
	taskID := unpackField(header[off : off+fieldTaskLen])
	off += fieldTaskLen
	parent := unpackField(header[off : off+fieldParentLen])
	off += fieldParentLen
	menu := unpackField(header[off : off+fieldMenuLen])

	return BinaryFrame{
		FileName: fileName,
		TaskID:   taskID,
		Parent:   parent,
		Menu:     menu,
	}, length, nil
}

// FrameKind distinguishes the two framings multiplexed on one connection.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
)

// FrameReader discriminates and decodes frames off a single stream. Text
// frames are length-prefixed JSON (2-byte big-endian length, matching the
// marker layout only incidentally); binary frames start with the 2-byte
// 0x0001 marker. Reading either kind advances the shared underlying stream,
// so a single FrameReader must serve both control and data framing for a
// connection.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for frame-at-a-time reading.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadFrame reads one frame and reports its kind. For FrameText, data is
// the JSON message body (caller passes it to Decode). For FrameBinary,
// data is nil and the decoded frame is the third result.
func (fr *FrameReader) ReadFrame() (FrameKind, []byte, BinaryFrame, error) {
	var marker [2]byte
	if _, err := io.ReadFull(fr.r, marker[:]); err != nil {
		return 0, nil, BinaryFrame{}, err
	}
	lead := binary.BigEndian.Uint16(marker[:])

	if lead == binaryMarker {
		header := make([]byte, BinaryHeaderLen-fieldTypeLen)
		if _, err := io.ReadFull(fr.r, header); err != nil {
			return 0, nil, BinaryFrame{}, fmt.Errorf("read binary header: %w", err)
		}
		frame, length, err := decodeBinaryHeader(header)
		if err != nil {
			return 0, nil, BinaryFrame{}, err
		}
		if length > 0 {
			payload := make([]byte, length)
			if _, err := io.ReadFull(fr.r, payload); err != nil {
				return 0, nil, BinaryFrame{}, fmt.Errorf("read binary payload: %w", err)
			}
			frame.Payload = payload
		}
		return FrameBinary, nil, frame, nil
	}

	// Text framing: the 2 bytes already read are the big-endian length
	// prefix of a JSON body.
	length := lead
	if int(length) > MaxFrameSize {
		return 0, nil, BinaryFrame{}, fmt.Errorf("declared text frame length %d exceeds max frame size %d", length, MaxFrameSize)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return 0, nil, BinaryFrame{}, fmt.Errorf("read text frame body: %w", err)
	}
	return FrameText, body, BinaryFrame{}, nil
}

// EncodeFrame wraps a text frame body (as produced by Encode) with its
// 2-byte big-endian length prefix.
func EncodeFrame(body []byte) ([]byte, error) {
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds max frame size %d", len(body), MaxFrameSize)
	}
	if len(body) > 0xFFFF {
		return nil, fmt.Errorf("text frame of %d bytes exceeds the 2-byte length prefix", len(body))
	}
	out := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(body)))
	copy(out[2:], body)
	return out, nil
}

// WriteFrame writes a complete text frame (length prefix + body) to w.
func WriteFrame(w io.Writer, body []byte) error {
	framed, err := EncodeFrame(body)
	if err != nil {
		return err
	}
	_, err = w.Write(framed)
	return err
}

// WriteBinaryFrame writes a complete binary frame to w.
func WriteBinaryFrame(w io.Writer, f BinaryFrame) error {
	framed, err := EncodeBinary(f)
	if err != nil {
		return err
	}
	_, err = w.Write(framed)
	return err
}
