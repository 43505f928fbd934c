package job

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateRecipient(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		wantErr string
	}{
		{"valid", "user@example.com", ""},
		{"valid subdomain", "user@mail.example.co.uk", ""},
		{"valid plus tag", "user+tag@example.com", ""},
		{"empty", "", "recipient is empty"},
		{"whitespace only", "   ", "recipient is empty"},
		{"no at sign", "userexample.com", "invalid recipient"},
		{"display name form", "User <user@example.com>", "bare address"},
		{"no dot in domain", "user@localhost", "no valid domain"},
		{"missing local part", "@example.com", "invalid recipient"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRecipient(tt.addr)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateRecipient(%q) = %v, want nil", tt.addr, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("ValidateRecipient(%q) = nil, want error containing %q", tt.addr, tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDomain(t *testing.T) {
	tests := []struct {
		recipient string
		want      string
	}{
		{"user@Example.COM", "example.com"},
		{"user@mail.example.org", "mail.example.org"},
		{"no-at-sign", ""},
		{"trailing@", ""},
	}

	for _, tt := range tests {
		j := &Job{Recipient: tt.recipient}
		if got := j.Domain(); got != tt.want {
			t.Errorf("Domain(%q) = %q, want %q", tt.recipient, got, tt.want)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	terminal := []State{StateSent, StateFailedPermanent, StateCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	active := []State{StatePending, StateInFlight, StateFailedTransient}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestValidateAttachments(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "report.pdf")
	if err := os.WriteFile(valid, []byte("pdf content"), 0644); err != nil {
		t.Fatal(err)
	}
	empty := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatal(err)
	}
	blocked := filepath.Join(dir, "setup.exe")
	if err := os.WriteFile(blocked, []byte("MZ"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		paths   []string
		wantErr string
	}{
		{"none", nil, ""},
		{"valid file", []string{valid}, ""},
		{"missing file", []string{filepath.Join(dir, "nope.pdf")}, "attachment"},
		{"empty file", []string{empty}, "is empty"},
		{"blocked extension", []string{blocked}, "rejected"},
		{"directory", []string{dir}, "is a directory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAttachments(tt.paths)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateAttachments = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("ValidateAttachments = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
