package job

import (
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// State represents the lifecycle state of a delivery job
type State string

const (
	StatePending         State = "pending"
	StateInFlight        State = "in_flight"
	StateSent            State = "sent"
	StateFailedTransient State = "failed_transient"
	StateFailedPermanent State = "failed_permanent"
	StateCancelled       State = "cancelled"
)

// Terminal reports whether s allows no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateSent, StateFailedPermanent, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateInFlight, StateSent,
		StateFailedTransient, StateFailedPermanent, StateCancelled:
		return true
	}
	return false
}

// Job is one scheduled, individually tracked email delivery.
// Subject and body fields hold inline template source; TemplateRef names a
// stored template instead. Vars is the per-recipient substitution mapping
// (one CSV row for campaign jobs).
type Job struct {
	ID           string            `json:"id"`
	Recipient    string            `json:"recipient"`
	TemplateRef  string            `json:"template_ref,omitempty"`
	Subject      string            `json:"subject,omitempty"`
	BodyText     string            `json:"body_text,omitempty"`
	BodyHTML     string            `json:"body_html,omitempty"`
	Vars         map[string]string `json:"vars,omitempty"`
	Attachments  []string          `json:"attachments,omitempty"`
	NotBefore    time.Time         `json:"not_before"`
	State        State             `json:"state"`
	AttemptCount int               `json:"attempt_count"`
	LastError    string            `json:"last_error,omitempty"`
	CampaignID   string            `json:"campaign_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Result classifies the outcome of one dispatch attempt.
type Result string

const (
	ResultSent      Result = "sent"
	ResultTransient Result = "transient"
	ResultPermanent Result = "permanent"
)

// Outcome is what the dispatch engine reports back after an attempt.
type Outcome struct {
	Result Result
	Err    string
}

// ValidationError means the input was rejected and no job was created.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// InvariantViolationError means an illegal state transition was attempted.
// It indicates a logic or concurrency bug and is fatal to a scheduling pass.
type InvariantViolationError struct {
	JobID string
	From  State
	To    State
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for job %s", e.From, e.To, e.JobID)
}

// ValidateRecipient checks that addr is a plausible bare email address.
func ValidateRecipient(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return &ValidationError{Reason: "recipient is empty"}
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return &ValidationError{Reason: fmt.Sprintf("invalid recipient %q: %v", addr, err)}
	}
	// Reject display-name forms; jobs carry bare addresses.
	if parsed.Address != addr {
		return &ValidationError{Reason: fmt.Sprintf("recipient %q must be a bare address", addr)}
	}
	at := strings.LastIndex(parsed.Address, "@")
	if at <= 0 || !strings.Contains(parsed.Address[at+1:], ".") {
		return &ValidationError{Reason: fmt.Sprintf("recipient %q has no valid domain", addr)}
	}
	return nil
}

// Domain returns the lowercased domain part of the recipient address.
func (j *Job) Domain() string {
	at := strings.LastIndex(j.Recipient, "@")
	if at <= 0 || at == len(j.Recipient)-1 {
		return ""
	}
	return strings.ToLower(j.Recipient[at+1:])
}

// MaxAttachmentSize is the largest file accepted as an attachment.
// 25 MB matches the common provider limit.
const MaxAttachmentSize = 25 * 1024 * 1024

// blockedExtensions are rejected outright; most providers bounce them.
var blockedExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".msi": true, ".js": true,
	".vbs": true, ".scr": true, ".pif": true, ".com": true, ".jar": true,
}

// ValidateAttachments checks that every attachment exists, is readable,
// is within the size limit, and has an allowed extension.
func ValidateAttachments(paths []string) error {
	for _, p := range paths {
		ext := strings.ToLower(filepath.Ext(p))
		if blockedExtensions[ext] {
			return &ValidationError{Reason: fmt.Sprintf("attachment %q: %s files are rejected by most providers", p, ext)}
		}
		info, err := os.Stat(p)
		if err != nil {
			return &ValidationError{Reason: fmt.Sprintf("attachment %q: %v", p, err)}
		}
		if info.IsDir() {
			return &ValidationError{Reason: fmt.Sprintf("attachment %q is a directory", p)}
		}
		if info.Size() == 0 {
			return &ValidationError{Reason: fmt.Sprintf("attachment %q is empty", p)}
		}
		if info.Size() > MaxAttachmentSize {
			return &ValidationError{Reason: fmt.Sprintf("attachment %q exceeds %d bytes", p, MaxAttachmentSize)}
		}
	}
	return nil
}
