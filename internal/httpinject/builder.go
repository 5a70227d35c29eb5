package httpinject

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"text/template"
)

// builderTemplate holds the parsed text/template form of each templatable
// field of a Builder, so per-recipient substitution expansion (§6) can run
// once per recipient without re-parsing the template text each time.
type builderTemplate struct {
	builder     Builder
	subject     *template.Template
	textBody    *template.Template
	htmlBody    *template.Template
	headerTmpls map[string]*template.Template
}

func newBuilderTemplate(b Builder) (*builderTemplate, error) {
	t := &builderTemplate{builder: b, headerTmpls: map[string]*template.Template{}}

	var err error
	if t.subject, err = parseField("subject", b.Subject); err != nil {
		return nil, err
	}
	if t.textBody, err = parseField("text_body", b.TextBody); err != nil {
		return nil, err
	}
	if t.htmlBody, err = parseField("html_body", b.HTMLBody); err != nil {
		return nil, err
	}
	for name, val := range b.Headers {
		tmpl, err := parseField("header:"+name, val)
		if err != nil {
			return nil, err
		}
		t.headerTmpls[name] = tmpl
	}
	return t, nil
}

func parseField(name, text string) (*template.Template, error) {
	if text == "" {
		return nil, nil
	}
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return tmpl, nil
}

func execField(tmpl *template.Template, fallback string, subs map[string]interface{}) (string, error) {
	if tmpl == nil {
		return fallback, nil
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, subs); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// render expands per-recipient substitutions over the builder's templated
// fields and assembles an RFC-822 message, building a multipart MIME
// envelope whenever more than one body part or an attachment is present.
func (t *builderTemplate) render(rcpt RecipientSpec, subs map[string]interface{}) ([]byte, error) {
	subject, err := execField(t.subject, t.builder.Subject, subs)
	if err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	textBody, err := execField(t.textBody, t.builder.TextBody, subs)
	if err != nil {
		return nil, fmt.Errorf("text_body: %w", err)
	}
	htmlBody, err := execField(t.htmlBody, t.builder.HTMLBody, subs)
	if err != nil {
		return nil, fmt.Errorf("html_body: %w", err)
	}

	var buf bytes.Buffer
	headers := textproto.MIMEHeader{}
	from := t.builder.From
	if from == "" {
		from = "(unset)"
	}
	headers.Set("From", from)
	to := rcpt.Email
	if rcpt.Name != "" {
		to = fmt.Sprintf("%s <%s>", rcpt.Name, rcpt.Email)
	}
	headers.Set("To", to)
	if subject != "" {
		headers.Set("Subject", mime.QEncoding.Encode("utf-8", subject))
	}
	if t.builder.ReplyTo != "" {
		headers.Set("Reply-To", t.builder.ReplyTo)
	}
	headers.Set("MIME-Version", "1.0")
	for name, tmpl := range t.headerTmpls {
		val, err := execField(tmpl, t.builder.Headers[name], subs)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", name, err)
		}
		headers.Set(name, val)
	}

	bodyParts := countBodyParts(textBody, htmlBody)
	attachments, err := decodeAttachments(t.builder.Attachments)
	if err != nil {
		return nil, err
	}

	switch {
	case len(attachments) == 0 && bodyParts <= 1:
		if textBody != "" {
			headers.Set("Content-Type", "text/plain; charset=utf-8")
			headers.Set("Content-Transfer-Encoding", "quoted-printable")
			writeHeaders(&buf, headers)
			writeQuotedPrintable(&buf, textBody)
		} else {
			headers.Set("Content-Type", "text/html; charset=utf-8")
			headers.Set("Content-Transfer-Encoding", "quoted-printable")
			writeHeaders(&buf, headers)
			writeQuotedPrintable(&buf, htmlBody)
		}
	default:
		mw := multipart.NewWriter(&buf)
		headers.Set("Content-Type", fmt.Sprintf(`multipart/mixed; boundary="%s"`, mw.Boundary()))
		writeHeaders(&buf, headers)

		altBuf, boundary, err := writeAlternative(textBody, htmlBody)
		if err != nil {
			return nil, err
		}
		if altBuf != nil {
			part, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type": {fmt.Sprintf(`multipart/alternative; boundary="%s"`, boundary)},
			})
			if err != nil {
				return nil, err
			}
			if _, err := part.Write(altBuf); err != nil {
				return nil, err
			}
		}
		for _, a := range attachments {
			part, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type":              {a.contentType},
				"Content-Transfer-Encoding": {"base64"},
				"Content-Disposition":       {fmt.Sprintf(`attachment; filename="%s"`, a.filename)},
			})
			if err != nil {
				return nil, err
			}
			enc := base64.NewEncoder(base64.StdEncoding, part)
			if _, err := enc.Write(a.content); err != nil {
				return nil, err
			}
			if err := enc.Close(); err != nil {
				return nil, err
			}
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func countBodyParts(text, html string) int {
	n := 0
	if text != "" {
		n++
	}
	if html != "" {
		n++
	}
	return n
}

func writeAlternative(text, html string) ([]byte, string, error) {
	if text == "" && html == "" {
		return nil, "", nil
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	boundary := mw.Boundary()
	if text != "" {
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"text/plain; charset=utf-8"},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, "", err
		}
		writeQuotedPrintable(part, text)
	}
	if html != "" {
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"text/html; charset=utf-8"},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, "", err
		}
		writeQuotedPrintable(part, html)
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), boundary, nil
}

type decodedAttachment struct {
	filename    string
	contentType string
	content     []byte
}

func decodeAttachments(in []Attachment) ([]decodedAttachment, error) {
	out := make([]decodedAttachment, 0, len(in))
	for _, a := range in {
		content := []byte(a.Content)
		if a.Base64 {
			decoded, err := base64.StdEncoding.DecodeString(a.Content)
			if err != nil {
				return nil, fmt.Errorf("attachment %q: invalid base64: %w", a.Filename, err)
			}
			content = decoded
		}
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		out = append(out, decodedAttachment{filename: a.Filename, contentType: ct, content: content})
	}
	return out, nil
}

func writeHeaders(buf *bytes.Buffer, h textproto.MIMEHeader) {
	for name, vals := range h {
		for _, v := range vals {
			fmt.Fprintf(buf, "%s: %s\r\n", name, v)
		}
	}
	buf.WriteString("\r\n")
}

func writeQuotedPrintable(w interface{ Write([]byte) (int, error) }, body string) {
	qw := quotedprintable.NewWriter(w)
	_, _ = qw.Write([]byte(strings.ReplaceAll(body, "\n", "\r\n")))
	_ = qw.Close()
}
