package harness

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"qgraphexec/internal/quantum"
)

// maxFrameBytes bounds a single frame to guard against a misbehaving
// worker sending an unbounded length prefix.
const maxFrameBytes = 64 << 20

// request is sent from the parent to a worker over its request pipe.
type request struct {
	TaskDef quantum.TaskDef `json:"taskDef"`
	Payload quantum.Payload `json:"payload"`

	// ExternalContext mirrors scheduler.Config.ExternalContext across the
	// wire. It must be JSON-serializable; the scheduler never inspects it,
	// so this is the worker path's equivalent of the in-process path
	// passing it straight through to Executor.Execute.
	ExternalContext any `json:"externalContext,omitempty"`
}

// resultKind classifies a worker's outcome for one quantum.
type resultKind string

const (
	kindOK      resultKind = "ok"
	kindError   resultKind = "error"
	kindTimeout resultKind = "timeout"
)

// response is sent from a worker to the parent over its response pipe.
type response struct {
	Kind     resultKind      `json:"kind"`
	ExitCode int             `json:"exitCode"`
	Diag     string          `json:"diag,omitempty"`
	Payload  quantum.Payload `json:"payload,omitempty"`
}

// writeFrame writes a length-prefixed JSON frame: a 4-byte big-endian
// length followed by that many bytes of JSON.
func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("harness: encoding frame: %w", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("harness: writing frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("harness: writing frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed JSON frame and decodes it into v.
func readFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("harness: reading frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameBytes {
		return fmt.Errorf("harness: frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("harness: reading frame body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("harness: decoding frame: %w", err)
	}
	return nil
}
