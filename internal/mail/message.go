package mail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is everything needed to assemble one outgoing message.
type Envelope struct {
	From        string
	FromName    string
	To          string
	Subject     string
	Text        string
	HTML        string
	Attachments []string // file paths
}

// BuildMessage assembles a complete RFC 5322 message with MIME bodies.
// Text and HTML together become multipart/alternative; attachments wrap
// the body in multipart/mixed.
func BuildMessage(env *Envelope) ([]byte, error) {
	var buf bytes.Buffer

	from := mail.Address{Name: env.FromName, Address: env.From}
	to := mail.Address{Address: env.To}

	fmt.Fprintf(&buf, "From: %s\r\n", from.String())
	fmt.Fprintf(&buf, "To: %s\r\n", to.String())
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", env.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%s@%s>\r\n", uuid.New().String(), fromDomain(env.From))
	buf.WriteString("MIME-Version: 1.0\r\n")

	if len(env.Attachments) == 0 {
		if err := writeBody(&buf, env, nil); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mixed := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mixed.Boundary())

	var bodyHeader textproto.MIMEHeader
	bodyBuf := &bytes.Buffer{}
	if err := writeBody(bodyBuf, env, &bodyHeader); err != nil {
		return nil, err
	}
	part, err := mixed.CreatePart(bodyHeader)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(bodyBuf.Bytes()); err != nil {
		return nil, err
	}

	for _, path := range env.Attachments {
		if err := writeAttachment(mixed, path); err != nil {
			return nil, err
		}
	}

	if err := mixed.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBody writes the text/html body. When header is non-nil the part is
// being nested inside multipart/mixed, so its Content-Type goes into the
// header instead of the stream.
func writeBody(buf *bytes.Buffer, env *Envelope, header *textproto.MIMEHeader) error {
	hasText := env.Text != ""
	hasHTML := env.HTML != ""

	switch {
	case hasText && hasHTML:
		alt := multipart.NewWriter(buf)
		contentType := fmt.Sprintf("multipart/alternative; boundary=%q", alt.Boundary())
		if header != nil {
			*header = textproto.MIMEHeader{"Content-Type": {contentType}}
		} else {
			fmt.Fprintf(buf, "Content-Type: %s\r\n\r\n", contentType)
		}
		if err := writeTextPart(alt, "text/plain", env.Text); err != nil {
			return err
		}
		if err := writeTextPart(alt, "text/html", env.HTML); err != nil {
			return err
		}
		return alt.Close()

	case hasHTML:
		return writeSinglePart(buf, "text/html", env.HTML, header)

	case hasText:
		return writeSinglePart(buf, "text/plain", env.Text, header)

	default:
		return fmt.Errorf("message has no body")
	}
}

func writeSinglePart(buf *bytes.Buffer, contentType, body string, header *textproto.MIMEHeader) error {
	fullType := contentType + "; charset=utf-8"
	if header != nil {
		*header = textproto.MIMEHeader{
			"Content-Type":              {fullType},
			"Content-Transfer-Encoding": {"base64"},
		}
	} else {
		fmt.Fprintf(buf, "Content-Type: %s\r\n", fullType)
		buf.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
	}
	writeBase64(buf, []byte(body))
	return nil
}

func writeTextPart(w *multipart.Writer, contentType, body string) error {
	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType + "; charset=utf-8"},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	writeBase64(&buf, []byte(body))
	_, err = part.Write(buf.Bytes())
	return err
}

func writeAttachment(w *multipart.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read attachment %s: %w", path, err)
	}

	name := filepath.Base(path)
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", name)},
	})
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	writeBase64(&buf, data)
	_, err = part.Write(buf.Bytes())
	return err
}

// writeBase64 writes base64 data wrapped at 76 columns per RFC 2045.
func writeBase64(buf *bytes.Buffer, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76])
		buf.WriteString("\r\n")
		encoded = encoded[76:]
	}
	buf.WriteString(encoded)
	buf.WriteString("\r\n")
}

func fromDomain(addr string) string {
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		return addr[at+1:]
	}
	return "localhost"
}
