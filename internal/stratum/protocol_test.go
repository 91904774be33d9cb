package stratum

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/bardlex/gomp-miner/internal/mining"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name         string
		data         string
		wantErr      bool
		response     bool
		notification bool
		method       string
	}{
		{
			name:     "login response",
			data:     `{"id":1,"jsonrpc":"2.0","error":null,"result":{"id":"abc","status":"OK"}}`,
			response: true,
		},
		{
			name:         "job notification",
			data:         `{"jsonrpc":"2.0","method":"job","params":{"blob":"00","job_id":"1","target":"ffffffff"}}`,
			notification: true,
			method:       MethodJob,
		},
		{
			name:     "error response",
			data:     `{"id":7,"jsonrpc":"2.0","error":{"code":-1,"message":"Low difficulty share"}}`,
			response: true,
		},
		{
			name:    "invalid json",
			data:    `{invalid json}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.IsResponse() != tt.response {
				t.Errorf("IsResponse() = %v, want %v", got.IsResponse(), tt.response)
			}
			if got.IsNotification() != tt.notification {
				t.Errorf("IsNotification() = %v, want %v", got.IsNotification(), tt.notification)
			}
			if got.Method != tt.method {
				t.Errorf("Method = %q, want %q", got.Method, tt.method)
			}
		})
	}
}

func TestParseErrorResponse(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"id":7,"error":{"code":-1,"message":"Low difficulty share"}}`))
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if msg.Error == nil {
		t.Fatal("Error = nil")
	}
	if msg.Error.Code != ErrorUnauthorized || msg.Error.Message != "Low difficulty share" {
		t.Errorf("Error = %+v", msg.Error)
	}
	if !strings.Contains(msg.Error.Error(), "Low difficulty share") {
		t.Errorf("Error() = %q", msg.Error.Error())
	}
}

func TestNewRequest(t *testing.T) {
	msg, err := NewRequest(3, MethodLogin, &LoginParams{Login: "wallet", Pass: "x", Agent: "test/1.0"})
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	data, err := MarshalMessage(msg)
	if err != nil {
		t.Fatalf("MarshalMessage() error = %v", err)
	}

	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire["id"] != float64(3) || wire["method"] != "login" || wire["jsonrpc"] != "2.0" {
		t.Errorf("request = %s", data)
	}
	params, ok := wire["params"].(map[string]any)
	if !ok {
		t.Fatalf("params = %T, want object", wire["params"])
	}
	if params["login"] != "wallet" || params["pass"] != "x" || params["agent"] != "test/1.0" {
		t.Errorf("params = %v", params)
	}
	if _, ok := wire["result"]; ok {
		t.Error("request carries a result field")
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		target  string
		want    uint32
		wantErr bool
	}{
		{target: "ffffffff", want: 0xFFFFFFFF},
		{target: "b88d0600", want: 0x00068db8},
		{target: "0000000000000100", want: 0x00010000},
		{target: "ffffffffffffff7f", want: 0x7FFFFFFF},
		{target: "ffff", wantErr: true},
		{target: "zzzzzzzz", wantErr: true},
		{target: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, err := ParseTarget(tt.target)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTarget() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseTarget() = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestEncodeNonce(t *testing.T) {
	if got := EncodeNonce(0x01020304); got != "04030201" {
		t.Errorf("EncodeNonce() = %q, want %q", got, "04030201")
	}

	// the wire nonce is the bytes the worker wrote into the blob
	blob := make([]byte, mining.MinBlobSize)
	mining.PutNonce(blob, 0xdeadbeef)
	want := hex.EncodeToString(blob[mining.NonceOffset : mining.NonceOffset+mining.NonceSize])
	if got := EncodeNonce(0xdeadbeef); got != want {
		t.Errorf("EncodeNonce() = %q, want %q", got, want)
	}
}

func TestDecodeJob(t *testing.T) {
	blob := strings.Repeat("07", mining.MinBlobSize)

	tests := []struct {
		name    string
		params  JobParams
		wantErr bool
	}{
		{name: "valid", params: JobParams{Blob: blob, JobID: "42", Target: "b88d0600"}},
		{name: "missing job id", params: JobParams{Blob: blob, Target: "b88d0600"}, wantErr: true},
		{name: "bad target", params: JobParams{Blob: blob, JobID: "42", Target: "xx"}, wantErr: true},
		{name: "bad blob", params: JobParams{Blob: "not hex", JobID: "42", Target: "b88d0600"}, wantErr: true},
		{name: "short blob", params: JobParams{Blob: "0707", JobID: "42", Target: "b88d0600"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := DecodeJob(&tt.params)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeJob() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if job.ID != "42" || job.Target != 0x00068db8 || len(job.Blob) != mining.MinBlobSize {
				t.Errorf("DecodeJob() = %+v", job)
			}
			if !job.Valid() {
				t.Error("decoded job is not valid")
			}
		})
	}
}

func TestNewSubmitParams(t *testing.T) {
	var result mining.Digest
	result[0] = 0xab
	result[31] = 0xcd

	params := NewSubmitParams("session", mining.Share{JobID: "9", Nonce: 1, Result: result})
	if params.ID != "session" || params.JobID != "9" {
		t.Errorf("params = %+v", params)
	}
	if params.Nonce != "01000000" {
		t.Errorf("Nonce = %q, want %q", params.Nonce, "01000000")
	}
	if len(params.Result) != 64 || !strings.HasPrefix(params.Result, "ab") || !strings.HasSuffix(params.Result, "cd") {
		t.Errorf("Result = %q", params.Result)
	}
}
