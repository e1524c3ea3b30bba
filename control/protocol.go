// Package control implements the private channel between the service
// control manager and the process hosting a service.
//
// Every message carries a little endian header of two uint32 words, the
// command tag and the total message length including the header:
//
//	START   tag=1 len name_len name NUL arg0 NUL ... argN NUL NUL
//	CONTROL tag=2 len=12 code
//
// The peer answers every message with exactly one uint32 result code.
package control

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Command tags
const (
	// TagStart asks the hosted process to start a service
	TagStart uint32 = 1
	// TagControl delivers a control code
	TagControl uint32 = 2
)

const (
	headerSize  = 8
	controlSize = headerSize + 4

	// MaxMessageSize bounds a single message
	MaxMessageSize = 64 << 10
)

// Environment passed to a hosted process
const (
	// EnvPipe is the path of the control channel socket
	EnvPipe = "SCM_CONTROL_PIPE"
	// EnvServiceName is the key name of the service being started
	EnvServiceName = "SCM_SERVICE_NAME"
	// EnvEndpoint is the manager RPC endpoint used to report status
	EnvEndpoint = "SCM_ENDPOINT"
)

var (
	// ErrMessageTooLarge indicates a message longer than MaxMessageSize
	ErrMessageTooLarge = errors.New("control: message too large")

	// ErrUnknownTag indicates an unrecognised command tag
	ErrUnknownTag = errors.New("control: unknown command tag")

	// ErrMalformed indicates a message whose body does not match its tag
	ErrMalformed = errors.New("control: malformed message")
)

// Message is a decoded request
type Message struct {
	// Tag is TagStart or TagControl
	Tag uint32
	// Name is the service name of a start request
	Name string
	// Args are the start arguments
	Args []string
	// Code is the control code of a control request
	Code uint32
}

// EncodeStart builds a start message. Arguments may be neither empty nor
// contain NUL bytes, since both would break the argv framing.
func EncodeStart(name string, args []string) ([]byte, error) {
	size := headerSize + 4 + len(name) + 1 + 1
	for _, a := range args {
		if a == "" || strings.IndexByte(a, 0) >= 0 {
			return nil, ErrMalformed
		}
		size += len(a) + 1
	}
	if strings.IndexByte(name, 0) >= 0 {
		return nil, ErrMalformed
	}
	if size > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, TagStart)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(size))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(name)))
	buf = append(buf, name...)
	buf = append(buf, 0)
	for _, a := range args {
		buf = append(buf, a...)
		buf = append(buf, 0)
	}
	buf = append(buf, 0)
	return buf, nil
}

// EncodeControl builds a control message
func EncodeControl(code uint32) []byte {
	buf := make([]byte, 0, controlSize)
	buf = binary.LittleEndian.AppendUint32(buf, TagControl)
	buf = binary.LittleEndian.AppendUint32(buf, controlSize)
	buf = binary.LittleEndian.AppendUint32(buf, code)
	return buf
}

// ReadMessage reads and decodes one request
func ReadMessage(r io.Reader) (*Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	tag := binary.LittleEndian.Uint32(hdr[0:4])
	size := binary.LittleEndian.Uint32(hdr[4:8])
	if size > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	if size < headerSize {
		return nil, ErrMalformed
	}

	body := make([]byte, size-headerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	switch tag {
	case TagControl:
		if len(body) != 4 {
			return nil, ErrMalformed
		}
		return &Message{Tag: TagControl, Code: binary.LittleEndian.Uint32(body)}, nil
	case TagStart:
		return decodeStart(body)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
}

func decodeStart(body []byte) (*Message, error) {
	if len(body) < 4 {
		return nil, ErrMalformed
	}
	nameLen := int(binary.LittleEndian.Uint32(body[0:4]))
	body = body[4:]
	if nameLen+1 > len(body) || body[nameLen] != 0 {
		return nil, ErrMalformed
	}
	msg := &Message{Tag: TagStart, Name: string(body[:nameLen])}
	body = body[nameLen+1:]

	// argv entries up to the empty terminator, which ends the body
	for {
		i := bytes.IndexByte(body, 0)
		if i < 0 {
			return nil, ErrMalformed
		}
		if i == 0 {
			if len(body) != 1 {
				return nil, ErrMalformed
			}
			break
		}
		msg.Args = append(msg.Args, string(body[:i]))
		body = body[i+1:]
	}
	return msg, nil
}

// WriteResult writes a result code
func WriteResult(w io.Writer, code uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], code)
	_, err := w.Write(buf[:])
	return err
}

// ReadResult reads a result code
func ReadResult(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
