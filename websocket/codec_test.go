package websocket

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bufStream adapts a bytes.Buffer to Stream for tests that do not need
// Split.
type bufStream struct {
	*bytes.Buffer
}

func (bufStream) Flush() error { return nil }

func TestCodecTextRoundTripOverPipe(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := NewCodec(NewNetConnStream(clientConn), DefaultOptions(), false)
	server := NewCodec(NewNetConnStream(serverConn), DefaultOptions(), true)

	done := make(chan error, 1)
	go func() { done <- client.Text([]byte("Hello")) }()

	_ = serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	h, payload, err := server.Receive()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, OpText, h.Opcode)
	assert.Equal(t, "Hello", string(payload))
}

func TestCodecCloseRejectsFurtherWrites(t *testing.T) {
	var buf bytes.Buffer
	c := NewCodec(bufStream{&buf}, DefaultOptions(), true)

	require.NoError(t, c.Close(CloseNormalClosure, "bye"))
	err := c.Text([]byte("too late"))
	assert.ErrorIs(t, err, ErrCloseSent)
}

func TestCodecSplitProducesIndependentHalves(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverCodec := NewCodec(NewNetConnStream(serverConn), DefaultOptions(), true)
	recv, send, err := serverCodec.Split()
	require.NoError(t, err)
	defer recv.Close()
	defer send.Close()

	client := NewCodec(NewNetConnStream(clientConn), DefaultOptions(), false)

	done := make(chan error, 1)
	go func() { done <- client.Text([]byte("split works")) }()

	_, payload, err := recv.Receive()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, "split works", string(payload))

	go func() { done <- send.Send(OpText, []byte("reply")) }()
	_, reply, err := client.Receive()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, "reply", string(reply))
}

func TestCodecSplitFailsOnNonSplittableStream(t *testing.T) {
	var buf bytes.Buffer
	c := NewCodec(bufStream{&buf}, DefaultOptions(), true)
	_, _, err := c.Split()
	assert.ErrorIs(t, err, ErrNotSplittable)
}

func TestNewCodecEnforcesRoleMasking(t *testing.T) {
	var buf bytes.Buffer
	client := NewCodec(bufStream{&buf}, Options{Frame: FrameConfig{MaskSendFrame: false}}, false)
	require.NoError(t, client.Text([]byte("x")))

	raw := buf.Bytes()
	assert.NotEqual(t, byte(0), raw[1]&0x80, "client must mask regardless of configured FrameConfig")
}
