package models

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestAppendCanonical(t *testing.T) {
	tests := []struct {
		name       string
		val        any
		allowFloat bool
		want       string
		wantErr    bool
	}{
		{
			name: "sorted_keys_and_composites",
			val: map[string]any{
				"wallet": "0xward01",
				"amount": json.Number("250"),
				"memo":   []any{true, nil, "gas"},
			},
			want: `{"amount":250,"memo":[true,null,"gas"],"wallet":"0xward01"}`,
		},
		{
			name:       "floats_kept_when_allowed",
			val:        map[string]any{"fee": json.Number("0.25"), "tip": []any{json.Number("1.5"), false}},
			allowFloat: true,
			want:       `{"fee":0.25,"tip":[1.5,false]}`,
		},
		{
			name:    "float_rejected_in_strict_mode",
			val:     json.Number("0.25"),
			wantErr: true,
		},
		{
			name:    "garbage_number_token",
			val:     json.Number("12x"),
			wantErr: true,
		},
		{
			name:    "unsupported_go_type",
			val:     make(chan int),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := appendCanonical(&buf, tt.val, tt.allowFloat)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", buf.String())
				}
				return
			}
			if err != nil {
				t.Fatalf("appendCanonical: %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Fatalf("canonical form mismatch:\n got %s\nwant %s", got, tt.want)
			}
		})
	}
}

func TestContainsFloatToken(t *testing.T) {
	for _, ok := range []any{json.Number("10"), map[string]any{"x": []any{json.Number("102")}}} {
		if containsFloatToken(ok) {
			t.Fatalf("integer token flagged as float: %v", ok)
		}
	}
	for _, bad := range []any{json.Number("10.1"), map[string]any{"x": []any{json.Number("1e2")}}} {
		if !containsFloatToken(bad) {
			t.Fatalf("float token not detected: %v", bad)
		}
	}
}

func TestValidateNoJSONNumbersParseError(t *testing.T) {
	if err := ValidateNoJSONNumbers(json.RawMessage(`{"x":`)); err == nil {
		t.Fatal("expected decode error for truncated document")
	}
}
