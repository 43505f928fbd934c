package template

import (
	"time"
)

// Template is a named, reusable email template. The name is the identifier
// jobs reference; subject, HTML and text bodies all use Go template syntax
// over a flat string-to-string variable mapping.
type Template struct {
	Name      string    `json:"name"`
	Subject   string    `json:"subject"`
	HTML      string    `json:"html,omitempty"`
	Text      string    `json:"text,omitempty"`
	Variables []string  `json:"variables,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Rendered contains rendered template output.
type Rendered struct {
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

// ListFilter contains filters for listing templates.
type ListFilter struct {
	Limit  int
	Offset int
	Search string
}
