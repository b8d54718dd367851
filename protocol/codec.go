// Package protocol implements the framed wire protocol shared by the agent
// transport and the manager session handler: a fixed 6-byte header followed
// by a JSON body.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PacketType identifies the kind of packet carried in a frame.
type PacketType uint8

const (
	// Handshake carries the agent's identity, registry snapshot and block
	// stats on first connect. The manager's config reply is sent as a
	// Heartbeat.
	Handshake PacketType = 1
	// LogData carries one or more compressed or normal log payloads.
	LogData PacketType = 2
	// Heartbeat is exchanged every few seconds to keep the connection
	// alive and to let the manager push back policy updates.
	Heartbeat PacketType = 3
)

// Version is the only protocol version this codec understands.
const Version uint8 = 1

// headerSize is len(version) + len(type) + len(length).
const headerSize = 1 + 1 + 4

// Packet is a decoded frame: a type tag and its raw JSON body.
type Packet struct {
	Type PacketType
	Body []byte
}

// WritePacket frames body as a packet of the given type and writes it to w.
// Callers must provide a reliable byte stream; WritePacket does not retry.
func WritePacket(w io.Writer, typ PacketType, body []byte) error {
	var header [headerSize]byte
	header[0] = Version
	header[1] = byte(typ)
	binary.BigEndian.PutUint32(header[2:], uint32(len(body)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("protocol: write header: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("protocol: write body: %w", err)
		}
	}
	return nil
}

// ReadPacket reads one framed packet from r, looping until the full header
// and body arrive or the stream is closed. It returns io.EOF when the
// stream ends cleanly before any bytes of a new packet are read.
func ReadPacket(r io.Reader) (*Packet, error) {
	var header [headerSize]byte
	if err := readFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[2:])
	body := make([]byte, length)
	if length > 0 {
		if err := readFull(r, body); err != nil {
			return nil, fmt.Errorf("protocol: short body: %w", err)
		}
	}

	return &Packet{Type: PacketType(header[1]), Body: body}, nil
}

// readFull loops on Read until buf is full or the stream closes.
func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
