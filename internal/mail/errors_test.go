package mail

import (
	"errors"
	"testing"

	"github.com/emersion/go-smtp"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		temporary bool
	}{
		{
			name:      "structured 4xx",
			err:       &smtp.SMTPError{Code: 451, Message: "try again later"},
			temporary: true,
		},
		{
			name:      "structured 5xx",
			err:       &smtp.SMTPError{Code: 550, Message: "no such user"},
			temporary: false,
		},
		{
			name:      "code in text 4xx",
			err:       errors.New("421 service not available"),
			temporary: true,
		},
		{
			name:      "code in text 5xx",
			err:       errors.New("smtp: 554 transaction failed"),
			temporary: false,
		},
		{
			name:      "no code defaults to temporary",
			err:       errors.New("connection reset by peer"),
			temporary: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := classifyError(tt.err, "RCPT TO")
			if de.Temporary != tt.temporary {
				t.Errorf("temporary = %v, want %v (%s)", de.Temporary, tt.temporary, de.Message)
			}
		})
	}
}

func TestIsTemporaryError(t *testing.T) {
	if !IsTemporaryError(&DeliveryError{Temporary: true}) {
		t.Error("temporary delivery error not recognized")
	}
	if IsTemporaryError(&DeliveryError{Temporary: false}) {
		t.Error("permanent delivery error reported temporary")
	}
	if !IsTemporaryError(errors.New("unknown")) {
		t.Error("unknown errors should default to temporary")
	}
}
