package smtpserver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/relaycore/kumogo/internal/logging"
	"github.com/relaycore/kumogo/internal/mtamsg"
	"github.com/relaycore/kumogo/internal/queuename"
)

const maxLineLen = 4096

// session drives one inbound connection's RFC 5321 state machine:
// EHLO/HELO, MAIL FROM, one or more RCPT TO, DATA, RSET, NOOP, QUIT.
// Grounded on the dispatcher's client-side Client (internal/dispatcher/
// client.go) — same line-reading/response-writing shape, server role
// instead of client role.
type session struct {
	srv  *Server
	conn net.Conn
	br   *bufio.Reader

	peer      string
	ehloSeen  bool
	sender    mtamsg.Address
	sawMail   bool
	recipients []mtamsg.Address
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{
		srv:  srv,
		conn: conn,
		br:   bufio.NewReaderSize(conn, maxLineLen*2),
		peer: conn.RemoteAddr().String(),
	}
}

// serve runs the session to completion: greeting, command loop, cleanup.
func (s *session) serve(ctx context.Context) {
	defer s.conn.Close()

	s.setDeadline()
	if err := s.writeResponse(220, "", s.srv.hostname+" ESMTP ready"); err != nil {
		return
	}

	for {
		s.setDeadline()
		line, err := s.readLine()
		if err != nil {
			return
		}
		s.emitTrace(line)
		if !s.dispatch(ctx, line) {
			return
		}
	}
}

// emitTrace feeds one received command line to the admin WebSocket trace
// channel, when configured. Diffs against conn_meta are the trace
// consumer's concern (it already has every prior event for this id); the
// server only needs to hand it the peer and the raw line.
func (s *session) emitTrace(line string) {
	if s.srv.trace == nil {
		return
	}
	s.srv.trace(s.peer, map[string]interface{}{
		"command": line,
		"ehlo":    s.ehloSeen,
	})
}

func (s *session) setDeadline() {
	if s.srv.readTimeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.srv.readTimeout))
	}
}

func (s *session) readLine() (string, error) {
	line, err := s.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) > maxLineLen {
		return "", fmt.Errorf("smtpserver: line exceeds %d bytes", maxLineLen)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *session) writeResponse(code int, enhanced, message string) error {
	var b strings.Builder
	if enhanced != "" {
		fmt.Fprintf(&b, "%d %s %s\r\n", code, enhanced, message)
	} else {
		fmt.Fprintf(&b, "%d %s\r\n", code, message)
	}
	_, err := s.conn.Write([]byte(b.String()))
	return err
}

// dispatch handles one command line, returning false when the connection
// should close (QUIT, or a fatal protocol error).
func (s *session) dispatch(ctx context.Context, line string) bool {
	verb, rest := splitVerb(line)
	switch strings.ToUpper(verb) {
	case "EHLO", "HELO":
		return s.handleHello(verb, rest)
	case "MAIL":
		return s.handleMailFrom(rest)
	case "RCPT":
		return s.handleRcptTo(rest)
	case "DATA":
		return s.handleData(ctx)
	case "RSET":
		s.reset()
		_ = s.writeResponse(250, "2.0.0", "ok")
		return true
	case "NOOP":
		_ = s.writeResponse(250, "2.0.0", "ok")
		return true
	case "QUIT":
		_ = s.writeResponse(221, "2.0.0", "bye")
		return false
	default:
		_ = s.writeResponse(500, "5.5.2", "unrecognized command")
		return true
	}
}

func (s *session) handleHello(verb, rest string) bool {
	if strings.TrimSpace(rest) == "" {
		_ = s.writeResponse(501, "5.5.4", "missing domain")
		return true
	}
	s.ehloSeen = true
	s.reset()
	if strings.EqualFold(verb, "EHLO") {
		_, _ = fmt.Fprintf(s.conn, "250-%s\r\n", s.srv.hostname)
		_, _ = fmt.Fprintf(s.conn, "250-SIZE %d\r\n", s.srv.maxMessageSize)
		_, _ = s.conn.Write([]byte("250 8BITMIME\r\n"))
		return true
	}
	_ = s.writeResponse(250, "", s.srv.hostname)
	return true
}

func (s *session) handleMailFrom(rest string) bool {
	if !s.ehloSeen {
		_ = s.writeResponse(503, "5.5.1", "send EHLO/HELO first")
		return true
	}
	addr, ok := parseAddrClause(rest, "FROM:")
	if !ok {
		_ = s.writeResponse(501, "5.5.4", "malformed MAIL FROM")
		return true
	}
	s.reset()
	s.sender = mtamsg.ParseAddress(addr)
	s.sawMail = true
	_ = s.writeResponse(250, "2.1.0", "ok")
	return true
}

func (s *session) handleRcptTo(rest string) bool {
	if !s.sawMail {
		_ = s.writeResponse(503, "5.5.1", "send MAIL FROM first")
		return true
	}
	if s.srv.maxRecipients > 0 && len(s.recipients) >= s.srv.maxRecipients {
		_ = s.writeResponse(452, "4.5.3", "too many recipients")
		return true
	}
	addr, ok := parseAddrClause(rest, "TO:")
	if !ok {
		_ = s.writeResponse(501, "5.5.4", "malformed RCPT TO")
		return true
	}
	s.recipients = append(s.recipients, mtamsg.ParseAddress(addr))
	_ = s.writeResponse(250, "2.1.5", "ok")
	return true
}

func (s *session) handleData(ctx context.Context) bool {
	if !s.sawMail || len(s.recipients) == 0 {
		_ = s.writeResponse(503, "5.5.1", "send MAIL FROM/RCPT TO first")
		return true
	}
	_ = s.writeResponse(354, "", "start mail input; end with <CRLF>.<CRLF>")

	body, err := s.readDataBody()
	if err != nil {
		_ = s.writeResponse(451, "4.3.0", fmt.Sprintf("error reading message: %v", err))
		s.reset()
		return true
	}
	if s.srv.maxMessageSize > 0 && int64(len(body)) > s.srv.maxMessageSize {
		_ = s.writeResponse(552, "5.3.4", "message size exceeds limit")
		s.reset()
		return true
	}

	accepted, total := s.spoolRecipients(ctx, body)
	s.reset()

	switch {
	case accepted == total:
		_ = s.writeResponse(250, "2.6.0", "message accepted for delivery")
	case accepted > 0:
		_ = s.writeResponse(250, "2.6.0", fmt.Sprintf("message accepted for %d of %d recipients", accepted, total))
	default:
		_ = s.writeResponse(554, "5.7.1", "transaction failed")
	}
	return true
}

// readDataBody reads lines until the lone "." terminator, unstuffing any
// leading dot doubled per RFC 5321 §4.5.2.
func (s *session) readDataBody() ([]byte, error) {
	var buf bytes.Buffer
	for {
		s.setDeadline()
		raw, err := s.br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line := strings.TrimRight(raw, "\r\n")
		if line == "." {
			break
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	return buf.Bytes(), nil
}

// spoolRecipients builds one Message per recipient sharing body, runs the
// SMTPServerMessageReceived hook, spools, and routes each into its
// scheduled queue. Returns how many of total recipients succeeded.
func (s *session) spoolRecipients(ctx context.Context, body []byte) (accepted, total int) {
	total = len(s.recipients)
	for _, recipient := range s.recipients {
		if err := s.spoolOne(ctx, recipient, body); err != nil {
			continue
		}
		accepted++
	}
	return accepted, total
}

func (s *session) spoolOne(ctx context.Context, recipient mtamsg.Address, body []byte) error {
	msg := mtamsg.NewDirty(s.sender, recipient, map[string]interface{}{"received_via": "smtp", "peer": s.peer}, body)

	if err := s.srv.hooks.SMTPServerMessageReceived(ctx, msg); err != nil {
		return fmt.Errorf("smtpserver: policy rejected message: %w", err)
	}
	if err := msg.SaveTo(ctx, s.srv.sp, s.srv.sp); err != nil {
		return fmt.Errorf("smtpserver: spool message: %w", err)
	}

	metaQueue, campaign, tenant, recipientDomain := msg.QueueNameParts()
	name := queuename.FromMessageMeta(metaQueue, campaign, tenant, recipientDomain).String()

	q, err := s.srv.resolveQueue(ctx, name)
	if err != nil {
		return fmt.Errorf("smtpserver: resolve queue %q: %w", name, err)
	}
	if _, err := q.InsertOrUnwind(ctx, msg, s.srv.sp); err != nil {
		return fmt.Errorf("smtpserver: insert into %q: %w", name, err)
	}

	if s.srv.recordLog != nil {
		_ = s.srv.recordLog.Log(logging.Record{
			Kind:      logging.Reception,
			SpoolID:   msg.ID().String(),
			Sender:    msg.Sender().String(),
			Recipient: msg.Recipient().String(),
			Queue:     name,
		})
	}
	if s.srv.received != nil {
		s.srv.received.Inc()
	}
	return nil
}

func (s *session) reset() {
	s.sender = mtamsg.Address{}
	s.sawMail = false
	s.recipients = nil
}

// splitVerb splits "VERB rest" into its command verb and the remainder.
func splitVerb(line string) (string, string) {
	line = strings.TrimSpace(line)
	idx := strings.IndexAny(line, " :")
	if idx < 0 {
		return line, ""
	}
	if line[idx] == ':' {
		// "MAIL:" / "MAIL FROM:<..>" both arrive with the verb glued to
		// the clause; treat the first whitespace-delimited token as the
		// verb either way.
		fields := strings.SplitN(line, " ", 2)
		if len(fields) == 1 {
			return fields[0], ""
		}
		return fields[0], fields[1]
	}
	return line[:idx], strings.TrimSpace(line[idx+1:])
}

// parseAddrClause extracts the bracketed address from a "FROM:<addr> ..."
// or "TO:<addr> ..." clause, tolerating a missing angle-bracket pair.
func parseAddrClause(rest, prefix string) (string, bool) {
	rest = strings.TrimSpace(rest)
	upper := strings.ToUpper(rest)
	if !strings.HasPrefix(upper, prefix) {
		return "", false
	}
	rest = strings.TrimSpace(rest[len(prefix):])
	if rest == "" {
		return "", true // null sender "MAIL FROM:<>" is valid
	}
	if strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return "", false
		}
		return rest[1:end], true
	}
	// Some clients omit angle brackets; take the first token.
	fields := strings.SplitN(rest, " ", 2)
	return fields[0], true
}
