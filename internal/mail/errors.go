package mail

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/emersion/go-smtp"
)

// DeliveryError represents a delivery error with type information.
type DeliveryError struct {
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// IsTemporary checks if the error is worth retrying.
func (e *DeliveryError) IsTemporary() bool {
	return e.Temporary
}

// smtpCodePattern matches SMTP response codes at word boundaries.
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// classifyError determines if an SMTP error is temporary or permanent.
// Structured SMTP errors carry their own classification; for everything
// else the response code is extracted from the error text, and unknown
// failures default to temporary so they get retried.
func classifyError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var serr *smtp.SMTPError
	if errors.As(err, &serr) {
		return &DeliveryError{
			Temporary: serr.Temporary(),
			Message:   msg,
		}
	}

	matches := smtpCodePattern.FindStringSubmatch(err.Error())
	if len(matches) > 1 {
		return &DeliveryError{
			Temporary: strings.HasPrefix(matches[1], "4"),
			Message:   msg,
		}
	}

	return &DeliveryError{
		Temporary: true,
		Message:   msg,
	}
}

// IsTemporaryError checks if the error is temporary.
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}
