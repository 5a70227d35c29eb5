package mtamsg

import (
	"bytes"
	"strings"
)

// header is one RFC-5322 header field, retaining its original raw bytes
// (including any folding) so unrelated headers round-trip byte for byte.
type header struct {
	name string // canonical case as first seen
	raw  []byte // "Name: value\r\n" possibly folded, CRLF-terminated
}

func (h header) value() string {
	// Strip "Name:" prefix and trailing CRLF, unfold continuation lines.
	s := string(h.raw)
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimRight(s, "\r\n")
	s = strings.ReplaceAll(s, "\r\n ", " ")
	s = strings.ReplaceAll(s, "\r\n\t", " ")
	return strings.TrimSpace(s)
}

// splitHeadersBody splits an RFC-5322 message into its header block and
// remaining body, tolerating folded header lines (continuation lines
// begin with a space or tab) and preserving CRLF terminators.
func splitHeadersBody(msg []byte) (headers []header, body []byte) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(msg, sep)
	var headerBlock []byte
	if idx < 0 {
		// tolerate bare-LF separated or headers-only content
		if i := bytes.Index(msg, []byte("\n\n")); i >= 0 {
			headerBlock = msg[:i+2]
			body = msg[i+2:]
		} else {
			headerBlock = msg
			body = nil
		}
	} else {
		headerBlock = msg[:idx+2]
		body = msg[idx+4:]
	}

	lines := splitKeepingCRLF(headerBlock)
	var cur []byte
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && cur != nil {
			cur = append(cur, line...)
			continue
		}
		if cur != nil {
			headers = append(headers, makeHeader(cur))
		}
		cur = append([]byte{}, line...)
	}
	if cur != nil {
		headers = append(headers, makeHeader(cur))
	}
	return headers, body
}

func makeHeader(raw []byte) header {
	name := string(raw)
	if idx := bytes.IndexByte(raw, ':'); idx >= 0 {
		name = string(raw[:idx])
	}
	return header{name: name, raw: raw}
}

// splitKeepingCRLF splits b into lines, each retaining its terminating
// CRLF (or LF) so the raw header text can be reassembled exactly.
func splitKeepingCRLF(b []byte) [][]byte {
	var out [][]byte
	start := 0
	for i := 0; i < len(b); i++ {
		if b[i] == '\n' {
			out = append(out, b[start:i+1])
			start = i + 1
		}
	}
	if start < len(b) {
		out = append(out, b[start:])
	}
	return out
}

func joinMessage(headers []header, body []byte) []byte {
	var buf bytes.Buffer
	for _, h := range headers {
		buf.Write(h.raw)
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

func newHeaderRaw(name, value string) []byte {
	return []byte(name + ": " + value + "\r\n")
}
