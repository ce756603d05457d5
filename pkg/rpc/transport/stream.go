// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/LeeDigitalWorks/zapgate/pkg/rpc"
)

const (
	// frameMagic marks the start of every frame header ("ZGW" + version 1)
	frameMagic   uint32 = 0x5a475701
	headerSize          = 8
	MaxFrameSize        = rpc.MaxFrameSize
)

// writeFrame writes [4B magic][4B length][payload], big endian.
func writeFrame(w io.Writer, frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds %d byte limit", len(frame), MaxFrameSize)
	}
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[:4], frameMagic)
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(frame)))

	bufs := net.Buffers{hdr[:], frame}
	if _, err := bufs.WriteTo(w); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if magic := binary.BigEndian.Uint32(hdr[:4]); magic != frameMagic {
		return nil, fmt.Errorf("bad frame magic %#x", magic)
	}
	n := binary.BigEndian.Uint32(hdr[4:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d byte limit", n, MaxFrameSize)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return frame, nil
}

// streamLink frames messages over a byte stream.
type streamLink struct {
	conn net.Conn
	r    *bufio.Reader
}

func newStreamLink(c net.Conn) *streamLink {
	return &streamLink{conn: c, r: bufio.NewReaderSize(c, 64*1024)}
}

func (l *streamLink) ReadFrame() ([]byte, error) {
	return readFrame(l.r)
}

func (l *streamLink) WriteFrame(frame []byte) error {
	return writeFrame(l.conn, frame)
}

func (l *streamLink) Close() error {
	return l.conn.Close()
}
