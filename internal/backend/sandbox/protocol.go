package sandbox

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize is the maximum allowed bridge message payload (16 MiB).
// Base64 inflates binary artifacts by ~1.33x, so the effective artifact
// ceiling is around 12 MiB.
const MaxFrameSize = 16 << 20

// Envelope type constants for messages crossing the sandbox boundary.
const (
	TypeRenderRequest  = "render_request"
	TypeRenderResponse = "render_response"
	TypeRenderError    = "render_error"
)

// Response status constants.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// RequestOptions carries per-request knobs inside the request envelope.
type RequestOptions struct {
	TimeoutMS    int    `json:"timeout_ms"`
	OutputFormat string `json:"output_format"`
}

// RenderRequest is the JSON envelope sent from host to the sandboxed engine.
// ID is the opaque correlation token; the engine echoes it back unchanged.
type RenderRequest struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload string         `json:"payload"`
	Options RequestOptions `json:"options"`
}

// RenderResponse is the JSON envelope received back from the engine. The
// binary artifact travels base64-encoded in Payload; PayloadSize, when set,
// declares the decoded length for validation.
type RenderResponse struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Payload     string `json:"payload,omitempty"`
	PayloadSize int    `json:"payload_size,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorType   string `json:"error_type,omitempty"`
}

// DecodePayload decodes the base64 artifact and validates it against the
// declared size and the frame ceiling.
func (r *RenderResponse) DecodePayload() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode base64 payload: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("decoded payload %d bytes exceeds maximum %d", len(data), MaxFrameSize)
	}
	if r.PayloadSize > 0 && len(data) != r.PayloadSize {
		return nil, fmt.Errorf("decoded payload %d bytes, envelope declared %d", len(data), r.PayloadSize)
	}
	return data, nil
}

// EncodePayload fills Payload and PayloadSize from raw artifact bytes.
func (r *RenderResponse) EncodePayload(data []byte) {
	r.Payload = base64.StdEncoding.EncodeToString(data)
	r.PayloadSize = len(data)
}

// WriteFrame writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", len(data), MaxFrameSize)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// ReadFrame reads a length-prefixed JSON message from r and decodes it into v.
func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxFrameSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", length, MaxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}

	return nil
}
