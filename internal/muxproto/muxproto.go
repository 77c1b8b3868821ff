// Package muxproto encodes and decodes the binary frames carried on the
// viewer WebSocket. One WebSocket message is exactly one frame: a type
// byte, an 8-byte ASCII session id, and a type-specific payload.
package muxproto

import (
	"encoding/binary"
	"fmt"
)

// Frame types.
const (
	TypeOutput            byte = 0x01 // S→C [cols:u16 LE][rows:u16 LE][data...]
	TypeInput             byte = 0x02 // C→S raw bytes
	TypeResize            byte = 0x03 // C→S [cols:u16 LE][rows:u16 LE]
	TypeSessionState      byte = 0x04 // S→C one byte: 1 created, 0 destroyed
	TypeResync            byte = 0x05 // S→C empty
	TypeBufferRequest     byte = 0x06 // C→S empty
	TypeCompressedOutput  byte = 0x07 // S→C [cols:u16 LE][rows:u16 LE][uncompLen:u32 LE][gzip...]
	TypeActiveSessionHint byte = 0x08 // C→S empty; zero id means none
	TypeInit              byte = 0xFF // S→C empty; id all-zero
)

// SessionIDLen is the fixed wire width of a session id.
const SessionIDLen = 8

// HeaderLen is the fixed frame header size: type byte + session id.
const HeaderLen = 1 + SessionIDLen

// Frame is one decoded mux message.
type Frame struct {
	Type      byte
	SessionID string // 8 ASCII chars; empty for the all-zero id
	Payload   []byte
}

// ErrShortFrame is returned when a message is smaller than the header.
var ErrShortFrame = fmt.Errorf("muxproto: frame shorter than %d bytes", HeaderLen)

// sidBytes widens a session id to the fixed 8-byte wire form.
// An empty id becomes eight zero bytes ("no session").
func sidBytes(sid string) [SessionIDLen]byte {
	var b [SessionIDLen]byte
	copy(b[:], sid)
	return b
}

// Encode serializes a frame into a single wire message.
func Encode(f Frame) []byte {
	out := make([]byte, HeaderLen+len(f.Payload))
	out[0] = f.Type
	sid := sidBytes(f.SessionID)
	copy(out[1:], sid[:])
	copy(out[HeaderLen:], f.Payload)
	return out
}

// Decode parses one wire message. The payload aliases data.
func Decode(data []byte) (Frame, error) {
	if len(data) < HeaderLen {
		return Frame{}, ErrShortFrame
	}
	f := Frame{Type: data[0], Payload: data[HeaderLen:]}
	id := data[1:HeaderLen]
	// All-zero id means "no session"; otherwise strip zero padding.
	end := len(id)
	for end > 0 && id[end-1] == 0 {
		end--
	}
	f.SessionID = string(id[:end])
	return f, nil
}

// EncodeOutput builds an Output frame carrying uncompressed terminal bytes.
func EncodeOutput(sid string, cols, rows uint16, data []byte) []byte {
	payload := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint16(payload[0:2], cols)
	binary.LittleEndian.PutUint16(payload[2:4], rows)
	copy(payload[4:], data)
	return Encode(Frame{Type: TypeOutput, SessionID: sid, Payload: payload})
}

// EncodeCompressedOutput builds a CompressedOutput frame. gz must be a
// complete gzip stream; uncompLen is the advisory pre-compression size.
func EncodeCompressedOutput(sid string, cols, rows uint16, uncompLen uint32, gz []byte) []byte {
	payload := make([]byte, 8+len(gz))
	binary.LittleEndian.PutUint16(payload[0:2], cols)
	binary.LittleEndian.PutUint16(payload[2:4], rows)
	binary.LittleEndian.PutUint32(payload[4:8], uncompLen)
	copy(payload[8:], gz)
	return Encode(Frame{Type: TypeCompressedOutput, SessionID: sid, Payload: payload})
}

// EncodeSessionState builds a SessionState frame. created=true announces a
// new session, false its destruction.
func EncodeSessionState(sid string, created bool) []byte {
	state := byte(0)
	if created {
		state = 1
	}
	return Encode(Frame{Type: TypeSessionState, SessionID: sid, Payload: []byte{state}})
}

// EncodeResync builds the empty Resync frame for a session.
func EncodeResync(sid string) []byte {
	return Encode(Frame{Type: TypeResync, SessionID: sid})
}

// EncodeInit builds the connection-ready frame sent once per WebSocket.
func EncodeInit() []byte {
	return Encode(Frame{Type: TypeInit})
}

// EncodeResize builds a client-side Resize frame. Used by tests and by any
// Go-side viewer.
func EncodeResize(sid string, cols, rows uint16) []byte {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], cols)
	binary.LittleEndian.PutUint16(payload[2:4], rows)
	return Encode(Frame{Type: TypeResize, SessionID: sid, Payload: payload})
}

// EncodeInput builds a client-side Input frame.
func EncodeInput(sid string, data []byte) []byte {
	return Encode(Frame{Type: TypeInput, SessionID: sid, Payload: data})
}

// ParseResize extracts cols and rows from a Resize payload.
func ParseResize(payload []byte) (cols, rows uint16, err error) {
	if len(payload) < 4 {
		return 0, 0, fmt.Errorf("muxproto: resize payload %d bytes, want 4", len(payload))
	}
	return binary.LittleEndian.Uint16(payload[0:2]), binary.LittleEndian.Uint16(payload[2:4]), nil
}

// ParseOutput splits an Output payload into dimensions and data.
func ParseOutput(payload []byte) (cols, rows uint16, data []byte, err error) {
	if len(payload) < 4 {
		return 0, 0, nil, fmt.Errorf("muxproto: output payload %d bytes, want >= 4", len(payload))
	}
	return binary.LittleEndian.Uint16(payload[0:2]), binary.LittleEndian.Uint16(payload[2:4]), payload[4:], nil
}

// ParseCompressedOutput splits a CompressedOutput payload. The returned gz
// slice is the complete gzip stream; uncompLen is advisory.
func ParseCompressedOutput(payload []byte) (cols, rows uint16, uncompLen uint32, gz []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, 0, nil, fmt.Errorf("muxproto: compressed payload %d bytes, want >= 8", len(payload))
	}
	return binary.LittleEndian.Uint16(payload[0:2]),
		binary.LittleEndian.Uint16(payload[2:4]),
		binary.LittleEndian.Uint32(payload[4:8]),
		payload[8:], nil
}
