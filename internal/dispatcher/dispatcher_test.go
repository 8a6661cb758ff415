package dispatcher

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/doughall/shellrelay/internal/connection"
	"github.com/doughall/shellrelay/internal/protocol"
)

type recordingConn struct {
	closed bool
	events []string
	sent   []protocol.Message
	errs   []error
}

func (c *recordingConn) Send(msg protocol.Message) error {
	if c.closed {
		return connection.ErrConnectionClosed
	}
	c.events = append(c.events, "send:"+msg.Payload)
	c.sent = append(c.sent, msg)
	return nil
}

func (c *recordingConn) ReportError(err error) {
	c.errs = append(c.errs, err)
}

type recordingEcho struct {
	conn *recordingConn
}

func (e *recordingEcho) AppendInput(text string) {
	e.conn.events = append(e.conn.events, "echo:"+text)
}

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatchCommandEchoesThenSends(t *testing.T) {
	conn := &recordingConn{}
	d := New(conn, &recordingEcho{conn: conn}, nopLogger())

	d.DispatchCommand("ls | wc -l")
	d.DispatchCommand("")

	assert.Equal(t, []string{"echo:ls | wc -l", "send:ls | wc -l", "echo:", "send:"}, conn.events)
	assert.Equal(t, []protocol.Message{protocol.Command("ls | wc -l"), protocol.Command("")}, conn.sent)
	assert.Equal(t, uint64(2), d.Sent())
	assert.Empty(t, conn.errs)
}

func TestDispatchCommandVerbatim(t *testing.T) {
	conn := &recordingConn{}
	d := New(conn, nil, nopLogger())

	raw := "  echo \"$HOME\" && rm -rf ./tmp; `date` \t"
	d.DispatchCommand(raw)

	assert.Equal(t, raw, conn.sent[0].Payload)
}

func TestDispatchCommandOnClosedConnection(t *testing.T) {
	conn := &recordingConn{closed: true}
	d := New(conn, &recordingEcho{conn: conn}, nopLogger())

	d.DispatchCommand("echo hello")

	// optimistic echo still happens
	assert.Equal(t, []string{"echo:echo hello"}, conn.events)
	assert.Empty(t, conn.sent)
	assert.Equal(t, uint64(0), d.Sent())
	if assert.Len(t, conn.errs, 1) {
		assert.ErrorIs(t, conn.errs[0], connection.ErrConnectionClosed)
	}
}
