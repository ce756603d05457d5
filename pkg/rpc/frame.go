// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind distinguishes requests from replies on the wire.
type Kind uint8

const (
	KindRequest Kind = 1
	KindReply   Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Field numbers of the frame encoding. They are part of the wire format and
// must not be renumbered.
const (
	fieldKind         protowire.Number = 1
	fieldRequestID    protowire.Number = 2
	fieldOp           protowire.Number = 3
	fieldPayload      protowire.Number = 4
	fieldOK           protowire.Number = 5
	fieldErrorCode    protowire.Number = 6
	fieldErrorMessage protowire.Number = 7
	fieldBuffer       protowire.Number = 8
	fieldAuth         protowire.Number = 9
)

// Frame is the unit exchanged between peers. Payload holds JSON; Buffers
// carry binary attachments such as chunk data.
type Frame struct {
	Kind         Kind
	RequestID    string
	Op           string
	Payload      []byte
	OK           bool
	ErrorCode    string
	ErrorMessage string
	Buffers      [][]byte
	Auth         string
}

// MaxFrameSize bounds an encoded frame on every transport.
const MaxFrameSize = 64 * 1024 * 1024

func checkFrameSize(b []byte) error {
	if len(b) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes exceeds %d byte limit", ErrFrameTooLarge, len(b), MaxFrameSize)
	}
	return nil
}

// Marshal encodes the frame in protobuf wire format.
func (f *Frame) Marshal() []byte {
	size := 32 + len(f.RequestID) + len(f.Op) + len(f.Payload) + len(f.ErrorCode) + len(f.ErrorMessage) + len(f.Auth)
	for _, b := range f.Buffers {
		size += len(b) + 8
	}
	b := make([]byte, 0, size)

	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	if f.RequestID != "" {
		b = protowire.AppendTag(b, fieldRequestID, protowire.BytesType)
		b = protowire.AppendString(b, f.RequestID)
	}
	if f.Op != "" {
		b = protowire.AppendTag(b, fieldOp, protowire.BytesType)
		b = protowire.AppendString(b, f.Op)
	}
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	if f.OK {
		b = protowire.AppendTag(b, fieldOK, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if f.ErrorCode != "" {
		b = protowire.AppendTag(b, fieldErrorCode, protowire.BytesType)
		b = protowire.AppendString(b, f.ErrorCode)
	}
	if f.ErrorMessage != "" {
		b = protowire.AppendTag(b, fieldErrorMessage, protowire.BytesType)
		b = protowire.AppendString(b, f.ErrorMessage)
	}
	for _, buf := range f.Buffers {
		b = protowire.AppendTag(b, fieldBuffer, protowire.BytesType)
		b = protowire.AppendBytes(b, buf)
	}
	if f.Auth != "" {
		b = protowire.AppendTag(b, fieldAuth, protowire.BytesType)
		b = protowire.AppendString(b, f.Auth)
	}
	return b
}

// UnmarshalFrame decodes a frame. Unknown fields are skipped.
func UnmarshalFrame(b []byte) (*Frame, error) {
	f := &Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldKind || num == fieldOK):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrBadFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldKind {
				f.Kind = Kind(v)
			} else {
				f.OK = protowire.DecodeBool(v)
			}
		case typ == protowire.BytesType && num >= fieldRequestID && num <= fieldAuth && num != fieldOK:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrBadFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldRequestID:
				f.RequestID = string(v)
			case fieldOp:
				f.Op = string(v)
			case fieldPayload:
				f.Payload = v
			case fieldErrorCode:
				f.ErrorCode = string(v)
			case fieldErrorMessage:
				f.ErrorMessage = string(v)
			case fieldBuffer:
				f.Buffers = append(f.Buffers, v)
			case fieldAuth:
				f.Auth = string(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrBadFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if f.Kind != KindRequest && f.Kind != KindReply {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrBadFrame, f.Kind)
	}
	if f.RequestID == "" {
		return nil, fmt.Errorf("%w: missing request id", ErrBadFrame)
	}
	return f, nil
}

// Message is the body of a request or reply.
type Message struct {
	Payload []byte
	Buffers [][]byte
}

// NewMessage JSON encodes v as the payload and attaches buffers.
func NewMessage(v any, buffers ...[]byte) (*Message, error) {
	m := &Message{Buffers: buffers}
	if v != nil {
		payload, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		m.Payload = payload
	}
	return m, nil
}

// Decode unmarshals the JSON payload into v.
func (m *Message) Decode(v any) error {
	if m == nil || len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// Buffer returns the i-th attachment or nil.
func (m *Message) Buffer(i int) []byte {
	if m == nil || i < 0 || i >= len(m.Buffers) {
		return nil
	}
	return m.Buffers[i]
}
