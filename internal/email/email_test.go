package email

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "plain",
			input: "alice@example.com",
			want:  "alice@example.com",
		},
		{
			name:  "domain lower-cased, local part kept",
			input: "  Alice@EXAMPLE.com ",
			want:  "Alice@example.com",
		},
		{
			name:    "display name",
			input:   "Alice <alice@example.com>",
			wantErr: true,
		},
		{
			name:    "header injection",
			input:   "alice@example.com\r\nBcc: eve@example.com",
			wantErr: true,
		},
		{
			name:    "missing at",
			input:   "invalid",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   " ",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.input)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidAddress) {
					t.Fatalf("expected ErrInvalidAddress, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestDomain(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "basic",
			input: "user@example.com",
			want:  "example.com",
		},
		{
			name:  "trailing dot removed",
			input: "user@example.com.",
			want:  "example.com",
		},
		{
			name:    "missing at",
			input:   "userexample.com",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := Domain(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
