package mesh

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/proto"
)

// Framing constants for the Meshtastic serial/TCP protobuf stream: two
// magic start bytes followed by a big-endian uint16 payload length.
// Grounded on rabarar-meshtool-go's stream_conn_test.go (writeStreamHeader
// produces {Start1, Start2, lenHi, lenLo}); the stream codec itself isn't in
// the retrieved pack, so the framing is reimplemented here against that
// test's observed byte layout.
const (
	Start1 byte = 0x94
	Start2 byte = 0xc3

	maxFrameLen = 512
)

// streamConn frames protobuf messages over an io.ReadWriter (a serial port
// or TCP connection). Writes are serialized by writeMu since Meshtastic
// radios are full-duplex but a single conn should not interleave partial
// frames from concurrent writers. Reads take no lock; the client reads from
// a single read-loop goroutine.
type streamConn struct {
	rw io.ReadWriter
	r  *bufio.Reader

	writeMu sync.Mutex
}

func newStreamConn(rw io.ReadWriter) *streamConn {
	return &streamConn{rw: rw, r: bufio.NewReader(rw)}
}

func writeStreamHeader(w io.Writer, length int) error {
	if length < 0 || length > maxFrameLen {
		return fmt.Errorf("mesh: frame length %d out of range", length)
	}
	header := [4]byte{Start1, Start2, byte(length >> 8), byte(length)}
	_, err := w.Write(header[:])
	return err
}

// Write marshals msg and writes it as one framed packet.
func (c *streamConn) Write(msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mesh: marshal outgoing frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeStreamHeader(c.rw, len(data)); err != nil {
		return fmt.Errorf("mesh: write frame header: %w", err)
	}
	if _, err := c.rw.Write(data); err != nil {
		return fmt.Errorf("mesh: write frame body: %w", err)
	}
	return nil
}

// Read scans the stream for the next valid frame and unmarshals it into
// msg. Any stray bytes before a Start1/Start2 pair (e.g. the radio's plain
// text debug log lines) are discarded, mirroring how the real firmware
// intermixes log output with the protobuf stream on serial.
func (c *streamConn) Read(msg proto.Message) error {
	for {
		b1, err := c.r.ReadByte()
		if err != nil {
			return fmt.Errorf("mesh: read frame start: %w", err)
		}
		if b1 != Start1 {
			continue
		}
		b2, err := c.r.ReadByte()
		if err != nil {
			return fmt.Errorf("mesh: read frame start: %w", err)
		}
		if b2 != Start2 {
			continue
		}

		lenBytes := make([]byte, 2)
		if _, err := io.ReadFull(c.r, lenBytes); err != nil {
			return fmt.Errorf("mesh: read frame length: %w", err)
		}
		length := int(binary.BigEndian.Uint16(lenBytes))
		if length > maxFrameLen {
			continue // desynchronized stream; resume scanning for a start marker
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return fmt.Errorf("mesh: read frame payload: %w", err)
		}

		if err := proto.Unmarshal(payload, msg); err != nil {
			return fmt.Errorf("mesh: unmarshal frame: %w", err)
		}
		return nil
	}
}
