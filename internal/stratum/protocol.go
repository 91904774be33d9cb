// Package stratum implements the pool side connection of the miner: the
// CryptoNote flavour of the Stratum protocol (login, job, submit, keepalived)
// spoken as newline delimited JSON-RPC 2.0 over TCP.
package stratum

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bardlex/gomp-miner/internal/mining"
)

// Protocol methods
const (
	MethodLogin     = "login"
	MethodJob       = "job"
	MethodSubmit    = "submit"
	MethodKeepAlive = "keepalived"
)

// StatusOK is the status pools return for accepted requests.
const StatusOK = "OK"

// Message represents a Stratum JSON-RPC message
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a Stratum error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("pool error %d: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
	ErrorUnauthorized   = -1
)

// LoginParams represents login parameters
type LoginParams struct {
	Login string `json:"login"`
	Pass  string `json:"pass"`
	Agent string `json:"agent,omitempty"`
}

// JobParams represents a job, sent in the login result and in job notifications
type JobParams struct {
	Blob   string `json:"blob"`
	JobID  string `json:"job_id"`
	Target string `json:"target"`
}

// LoginResult represents a login response
type LoginResult struct {
	ID     string     `json:"id"`
	Job    *JobParams `json:"job,omitempty"`
	Status string     `json:"status"`
}

// SubmitParams represents submit parameters
type SubmitParams struct {
	ID     string `json:"id"`
	JobID  string `json:"job_id"`
	Nonce  string `json:"nonce"`
	Result string `json:"result"`
}

// KeepAliveParams represents keepalived parameters
type KeepAliveParams struct {
	ID string `json:"id"`
}

// StatusResult represents submit and keepalived responses
type StatusResult struct {
	Status string `json:"status"`
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message
func NewRequest(id uint64, method string, params any) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	return &Message{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  method,
		Params:  raw,
	}, nil
}

// IsResponse returns true if the message is a response
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != ""
}

// ParseTarget decodes a pool target. Eight hex digits are a little-endian
// 32-bit target; sixteen hex digits are a little-endian 64-bit target of
// which the high 32 bits are used.
func ParseTarget(s string) (uint32, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid target %q: %w", s, err)
	}

	switch len(raw) {
	case 4:
		return binary.LittleEndian.Uint32(raw), nil
	case 8:
		return uint32(binary.LittleEndian.Uint64(raw) >> 32), nil
	default:
		return 0, fmt.Errorf("invalid target %q: want 8 or 16 hex digits", s)
	}
}

// EncodeNonce returns the wire form of a nonce: its four little-endian bytes
// in hex, the same bytes the worker wrote into the blob.
func EncodeNonce(nonce uint32) string {
	var b [mining.NonceSize]byte
	binary.LittleEndian.PutUint32(b[:], nonce)
	return hex.EncodeToString(b[:])
}

// DecodeJob converts job parameters into a mining job.
func DecodeJob(p *JobParams) (*mining.Job, error) {
	if p.JobID == "" {
		return nil, fmt.Errorf("job without job_id")
	}

	target, err := ParseTarget(p.Target)
	if err != nil {
		return nil, err
	}

	blob, err := hex.DecodeString(strings.TrimSpace(p.Blob))
	if err != nil {
		return nil, fmt.Errorf("invalid blob for job %s: %w", p.JobID, err)
	}
	if len(blob) < mining.MinBlobSize {
		return nil, fmt.Errorf("blob for job %s is %d bytes, need at least %d", p.JobID, len(blob), mining.MinBlobSize)
	}

	return &mining.Job{ID: p.JobID, Target: target, Blob: blob}, nil
}

// NewSubmitParams builds the submit request for a share.
func NewSubmitParams(sessionID string, share mining.Share) *SubmitParams {
	return &SubmitParams{
		ID:     sessionID,
		JobID:  share.JobID,
		Nonce:  EncodeNonce(share.Nonce),
		Result: hex.EncodeToString(share.Result[:]),
	}
}
