package mining

import (
	"errors"
	"reflect"
	"testing"
)

func TestParsePool(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Pool
		wantErr bool
	}{
		{
			name:  "host and port",
			input: "pool.example.com:3333",
			want:  Pool{Host: "pool.example.com", Port: 3333},
		},
		{
			name:  "with difficulty",
			input: "pool.example.com:3333:5000",
			want:  Pool{Host: "pool.example.com", Port: 3333, Difficulty: 5000},
		},
		{
			name:  "surrounding whitespace",
			input: "  10.0.0.1:7777 ",
			want:  Pool{Host: "10.0.0.1", Port: 7777},
		},
		{name: "missing port", input: "pool.example.com", wantErr: true},
		{name: "empty host", input: ":3333", wantErr: true},
		{name: "zero port", input: "pool:0", wantErr: true},
		{name: "port too large", input: "pool:70000", wantErr: true},
		{name: "bad difficulty", input: "pool:3333:hard", wantErr: true},
		{name: "too many parts", input: "pool:1:2:3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePool(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePool(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPool) {
					t.Errorf("ParsePool(%q) error = %v, want ErrInvalidPool", tt.input, err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("ParsePool(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestPoolStringRoundTrip(t *testing.T) {
	pools := []Pool{
		{Host: "pool.example.com", Port: 3333, Difficulty: 5000},
		{Host: "backup.example.com", Port: 4444},
	}

	formatted := FormatPoolList(pools)
	want := []string{"pool.example.com:3333:5000", "backup.example.com:4444"}
	if !reflect.DeepEqual(formatted, want) {
		t.Fatalf("FormatPoolList() = %v, want %v", formatted, want)
	}

	for i, s := range formatted {
		got, err := ParsePool(s)
		if err != nil {
			t.Fatalf("ParsePool(%q) error = %v", s, err)
		}
		if got != pools[i] {
			t.Errorf("round trip of %+v = %+v", pools[i], got)
		}
	}
}

func TestPoolAddress(t *testing.T) {
	p := Pool{Host: "pool.example.com", Port: 3333, Difficulty: 100}
	if got := p.Address(); got != "pool.example.com:3333" {
		t.Errorf("Address() = %q, want pool.example.com:3333", got)
	}
}

func TestParseSchedulePolicy(t *testing.T) {
	tests := []struct {
		input   string
		want    SchedulePolicy
		wantErr bool
	}{
		{"failover", PolicyFailover, false},
		{"Random", PolicyRandom, false},
		{" random ", PolicyRandom, false},
		{"round-robin", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseSchedulePolicy(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSchedulePolicy(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownPolicy) {
				t.Errorf("ParseSchedulePolicy(%q) error = %v, want ErrUnknownPolicy", tt.input, err)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSchedulePolicy(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if parsed, _ := ParseSchedulePolicy(got.String()); parsed != got {
			t.Errorf("policy %v does not round trip through String()", got)
		}
	}
}
