package dispatcher

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
)

const maxLineLen = 4096

// ClientError classifies a failure at the wire level, distinct from a
// rejection carried in a well-formed Response.
type ClientError struct {
	Op  string
	Err error
}

func (e *ClientError) Error() string { return fmt.Sprintf("dispatcher: %s: %v", e.Op, e.Err) }
func (e *ClientError) Unwrap() error { return e.Err }

func wireErr(op string, err error) error { return &ClientError{Op: op, Err: err} }

// Client drives one SMTP connection's wire protocol: line reading,
// multi-line response parsing, EHLO capability tracking, STARTTLS
// upgrade, AUTH PLAIN, and pipelined command/response exchange. Adapted
// from the upstream rfc5321 client's SmtpClient state machine.
type Client struct {
	conn         net.Conn
	br           *bufio.Reader
	hostname     string
	capabilities map[string]string
}

// NewClient wraps an already-dialed connection.
func NewClient(conn net.Conn, hostname string) *Client {
	return &Client{
		conn:         conn,
		br:           bufio.NewReaderSize(conn, maxLineLen*2),
		hostname:     hostname,
		capabilities: map[string]string{},
	}
}

func (c *Client) Close() error { return c.conn.Close() }

// Conn exposes the underlying connection, e.g. for deadline management by
// the caller's per-phase timeout wrapper.
func (c *Client) Conn() net.Conn { return c.conn }

func (c *Client) readLine() (string, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		return "", wireErr("read_line", err)
	}
	if len(line) > maxLineLen {
		return "", wireErr("read_line", fmt.Errorf("response line exceeds %d bytes", maxLineLen))
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadResponse reads one (possibly multi-line) SMTP reply.
func (c *Client) ReadResponse() (Response, error) {
	var lines []string
	var code int
	for {
		raw, err := c.readLine()
		if err != nil {
			return Response{}, err
		}
		rl, err := parseResponseLine(raw)
		if err != nil {
			return Response{}, wireErr("parse_response", err)
		}
		code = rl.code
		lines = append(lines, rl.content)
		if rl.final {
			break
		}
	}
	enhanced := ""
	if len(lines) > 0 {
		if e, rest := parseEnhancedStatusCode(lines[0]); e != "" {
			enhanced = e
			lines[0] = rest
		}
	}
	return Response{Code: code, Enhanced: enhanced, Message: strings.Join(lines, "\n")}, nil
}

func (c *Client) writeLine(line string) error {
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		return wireErr("write", err)
	}
	return nil
}

// SendCommand writes line and reads the single response that follows.
func (c *Client) SendCommand(line string) (Response, error) {
	if err := c.writeLine(line); err != nil {
		return Response{}, err
	}
	return c.ReadResponse()
}

// ReadBanner reads the server's initial 220 greeting.
func (c *Client) ReadBanner() (Response, error) { return c.ReadResponse() }

// EHLO sends EHLO and records the advertised capability lines
// (e.g. "PIPELINING", "AUTH PLAIN LOGIN", "SIZE 36700160") uppercased by
// their first token.
func (c *Client) EHLO(domain string) (Response, error) {
	resp, err := c.SendCommand("EHLO " + domain)
	if err != nil {
		return Response{}, err
	}
	c.capabilities = map[string]string{}
	lines := strings.Split(resp.Message, "\n")
	for _, l := range lines[1:] {
		fields := strings.SplitN(strings.TrimSpace(l), " ", 2)
		if fields[0] == "" {
			continue
		}
		name := strings.ToUpper(fields[0])
		param := ""
		if len(fields) == 2 {
			param = fields[1]
		}
		c.capabilities[name] = param
	}
	return resp, nil
}

func (c *Client) HasCapability(name string) bool {
	_, ok := c.capabilities[strings.ToUpper(name)]
	return ok
}

// StartTLS sends STARTTLS, requires 220, then performs the TLS handshake
// and replaces the connection and reader with the TLS-wrapped pair.
func (c *Client) StartTLS(cfg *tls.Config) error {
	resp, err := c.SendCommand("STARTTLS")
	if err != nil {
		return err
	}
	if resp.Code != 220 {
		return fmt.Errorf("dispatcher: starttls rejected: %s", resp)
	}
	tlsConn := tls.Client(c.conn, cfg)
	// Deadline for the handshake is whatever the caller already set on the
	// underlying conn via Conn().SetDeadline before calling StartTLS.
	if err := tlsConn.Handshake(); err != nil {
		return wireErr("tls_handshake", err)
	}
	c.conn = tlsConn
	c.br = bufio.NewReaderSize(tlsConn, maxLineLen*2)
	c.capabilities = map[string]string{}
	return nil
}

// TLSConnectionState reports the negotiated TLS state, if the connection
// is currently TLS-wrapped.
func (c *Client) TLSConnectionState() (tls.ConnectionState, bool) {
	tc, ok := c.conn.(*tls.Conn)
	if !ok {
		return tls.ConnectionState{}, false
	}
	return tc.ConnectionState(), true
}

// AuthPlain performs AUTH PLAIN with the given credentials.
func (c *Client) AuthPlain(username, password string) (Response, error) {
	payload := []byte("\x00" + username + "\x00" + password)
	return c.SendCommand("AUTH PLAIN " + base64.StdEncoding.EncodeToString(payload))
}

// PipelineCommands writes every command before reading any response when
// the server advertised PIPELINING, else writes and reads one at a time.
// Responses are always returned in command order. A write failure stops
// issuing further commands but still returns responses already read.
func (c *Client) PipelineCommands(cmds []string) ([]Response, error) {
	if !c.HasCapability("PIPELINING") {
		out := make([]Response, 0, len(cmds))
		for _, cmd := range cmds {
			resp, err := c.SendCommand(cmd)
			if err != nil {
				return out, err
			}
			out = append(out, resp)
		}
		return out, nil
	}

	var buf bytes.Buffer
	for _, cmd := range cmds {
		buf.WriteString(cmd)
		buf.WriteString("\r\n")
	}
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		return nil, wireErr("write", err)
	}
	out := make([]Response, 0, len(cmds))
	for range cmds {
		resp, err := c.ReadResponse()
		if err != nil {
			return out, err
		}
		out = append(out, resp)
	}
	return out, nil
}

// dotStuff doubles any leading '.' on a body line, per RFC 5321 §4.5.2.
func dotStuff(body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	lines := bytes.Split(body, []byte("\r\n"))
	for i, l := range lines {
		if bytes.HasPrefix(l, []byte(".")) {
			lines[i] = append([]byte{'.'}, l...)
		}
	}
	return bytes.Join(lines, []byte("\r\n"))
}

// dataTerminator returns the bytes that close a DATA transaction: the body
// already ending in CRLF only needs ".\r\n"; otherwise a CRLF is inserted
// first.
func dataTerminator(body []byte) []byte {
	if bytes.HasSuffix(body, []byte("\r\n")) {
		return []byte(".\r\n")
	}
	return []byte("\r\n.\r\n")
}

// Transaction is the outcome of one pipelined MAIL/RCPT/DATA exchange.
type Transaction struct {
	Mail  Response
	Rcpt  Response
	Data  Response // the 354 intermediate reply
	Final Response // the reply to the terminating "."; zero if body wasn't sent
}

// SendMail pipelines MAIL FROM / RCPT TO / DATA, reading all three
// responses before deciding whether to write the body — this is what
// guarantees a RCPT TO rejection is observed (and the body withheld)
// without losing the pipelined MAIL/DATA replies.
func (c *Client) SendMail(sender, recipient string, body []byte) (Transaction, error) {
	cmds := []string{
		"MAIL FROM:<" + sender + ">",
		"RCPT TO:<" + recipient + ">",
		"DATA",
	}
	resps, err := c.PipelineCommands(cmds)
	if err != nil {
		var txn Transaction
		if len(resps) > 0 {
			txn.Mail = resps[0]
		}
		if len(resps) > 1 {
			txn.Rcpt = resps[1]
		}
		return txn, err
	}
	txn := Transaction{Mail: resps[0], Rcpt: resps[1], Data: resps[2]}
	if txn.Mail.Code != 250 || txn.Rcpt.Code != 250 || txn.Data.Code != 354 {
		return txn, nil
	}

	stuffed := dotStuff(body)
	if _, err := c.conn.Write(stuffed); err != nil {
		return txn, wireErr("write_body", err)
	}
	if _, err := c.conn.Write(dataTerminator(body)); err != nil {
		return txn, wireErr("write_terminator", err)
	}
	final, err := c.ReadResponse()
	if err != nil {
		return txn, err
	}
	txn.Final = final
	return txn, nil
}

// Quit sends QUIT and reads the final response, ignoring errors beyond
// reporting them (the connection is being torn down regardless).
func (c *Client) Quit() (Response, error) {
	return c.SendCommand("QUIT")
}
