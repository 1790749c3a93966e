package components

import (
	"encoding/binary"
	"io"

	"gopkg.in/yaml.v3"

	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

// Out-of-process components communicate over a bidirectional byte stream
// using a length-prefixed framed protocol: each message is a 4-byte
// big-endian length followed by a structured document.

// Request is sent to the child process to invoke a capability.
type Request struct {
	ID   uint64 `yaml:"id"`
	Op   string `yaml:"op"`
	Args any    `yaml:"args,omitempty"`
}

// Reply answers a Request with the same ID. Event messages reuse Reply
// with ID 0 and carry a payload in Result rather than answering a call.
type Reply struct {
	ID     uint64 `yaml:"id"`
	OK     bool   `yaml:"ok"`
	Result any    `yaml:"result,omitempty"`
	Error  string `yaml:"error,omitempty"`
}

const maxFrameBytes = 16 << 20 // 16 MiB guards against a runaway/malicious child

// writeFrame encodes v as YAML and writes it as one length-prefixed frame.
func writeFrame(w io.Writer, v any) error {
	body, err := yaml.Marshal(v)
	if err != nil {
		return lerrors.Wrap(lerrors.Internal, "encode ipc frame", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return lerrors.Wrap(lerrors.Transport, "write ipc frame header", err)
	}
	if _, err := w.Write(body); err != nil {
		return lerrors.Wrap(lerrors.Transport, "write ipc frame body", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame and decodes it into v.
func readFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return lerrors.Wrap(lerrors.Disconnected, "read ipc frame header", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameBytes {
		return lerrors.New(lerrors.Transport, "ipc frame exceeds maximum size").With("bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return lerrors.Wrap(lerrors.Disconnected, "read ipc frame body", err)
	}
	if err := yaml.Unmarshal(body, v); err != nil {
		return lerrors.Wrap(lerrors.Internal, "decode ipc frame", err)
	}
	return nil
}
