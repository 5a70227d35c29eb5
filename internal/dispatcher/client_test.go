package dispatcher

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedServer plays the remote side of a net.Pipe connection, replying
// to each line read with every entry of scripts[verb] (verb being the
// line's first word), each followed by \r\n; a verb with no script gets a
// 500 reply.
func scriptedServer(t *testing.T, conn net.Conn, banner string, scripts map[string][]string) {
	t.Helper()
	go func() {
		br := bufio.NewReader(conn)
		_, _ = conn.Write([]byte(banner + "\r\n"))
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			key := strings.SplitN(line, " ", 2)[0]
			resp, ok := scripts[key]
			if !ok {
				resp = []string{"500 5.5.1 unrecognized command"}
			}
			for _, r := range resp {
				_, _ = conn.Write([]byte(r + "\r\n"))
			}
		}
	}()
}

func TestPipelinedRcptRejectionReadsAllThreeResponsesAndWithholdsBody(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	bodyReceived := make(chan bool, 1)
	go func() {
		br := bufio.NewReader(serverConn)
		_, _ = serverConn.Write([]byte("220 mx.example.com ready\r\n"))
		// EHLO
		_, _ = br.ReadString('\n')
		_, _ = serverConn.Write([]byte("250-mx.example.com\r\n250 PIPELINING\r\n"))
		// Pipelined MAIL/RCPT/DATA arrive back-to-back; read all three lines.
		_, _ = br.ReadString('\n') // MAIL FROM
		_, _ = br.ReadString('\n') // RCPT TO
		_, _ = br.ReadString('\n') // DATA
		_, _ = serverConn.Write([]byte("250 2.1.0 ok\r\n"))
		_, _ = serverConn.Write([]byte("550 5.1.1 no such user\r\n"))
		_, _ = serverConn.Write([]byte("354 go ahead\r\n"))
		// If the client wrongly sends body bytes despite the RCPT rejection,
		// they'd show up here; give it a moment then report what we saw.
		serverConn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
		next, err := br.ReadString('\n')
		bodyReceived <- (err == nil && strings.TrimSpace(next) != "")
	}()

	client := NewClient(clientConn, "test.example")
	_, err := client.ReadBanner()
	require.NoError(t, err)
	_, err = client.EHLO("test.example")
	require.NoError(t, err)
	assert.True(t, client.HasCapability("PIPELINING"))

	txn, err := client.SendMail("sender@example.com", "nobody@example.com", []byte("Subject: x\r\n\r\nhello\r\n"))
	require.NoError(t, err)

	assert.Equal(t, 250, txn.Mail.Code)
	assert.Equal(t, 550, txn.Rcpt.Code)
	assert.Equal(t, 354, txn.Data.Code)
	assert.Equal(t, 0, txn.Final.Code, "body must not be sent, so there is no final response")

	select {
	case sawBody := <-bodyReceived:
		assert.False(t, sawBody, "body bytes must not be written after a RCPT rejection")
	case <-time.After(time.Second):
		t.Fatal("server goroutine did not finish")
	}
}

func TestDotStuffDoublesLeadingDots(t *testing.T) {
	in := []byte("line one\r\n.line two\r\nplain\r\n")
	out := dotStuff(in)
	assert.Equal(t, "line one\r\n..line two\r\nplain\r\n", string(out))
}

func TestDataTerminatorAddsCRLFWhenMissing(t *testing.T) {
	assert.Equal(t, ".\r\n", string(dataTerminator([]byte("abc\r\n"))))
	assert.Equal(t, "\r\n.\r\n", string(dataTerminator([]byte("abc"))))
}

func TestPipelineCommandsFallsBackToOneAtATimeWithoutCapability(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	scriptedServer(t, serverConn, "220 ready", map[string][]string{
		"EHLO": {"250 mx.example.com"},
		"MAIL": {"250 ok"},
		"RCPT": {"250 ok"},
	})

	client := NewClient(clientConn, "test.example")
	_, err := client.ReadBanner()
	require.NoError(t, err)
	_, err = client.EHLO("test.example")
	require.NoError(t, err)
	assert.False(t, client.HasCapability("PIPELINING"))

	resps, err := client.PipelineCommands([]string{"MAIL FROM:<a@b>", "RCPT TO:<c@d>"})
	require.NoError(t, err)
	require.Len(t, resps, 2)
	assert.Equal(t, 250, resps[0].Code)
	assert.Equal(t, 250, resps[1].Code)
}
