package websocket

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskUnmaskInvolution(t *testing.T) {
	key := [4]byte{0x11, 0x22, 0x33, 0x44}

	t.Run("round trips arbitrary payloads", func(t *testing.T) {
		for _, payload := range [][]byte{
			nil,
			[]byte("a"),
			[]byte("Hello"),
			bytes.Repeat([]byte{0xAB}, 257),
		} {
			frame := OwnedFrame{Payload: append([]byte(nil), payload...)}
			frame.Mask(key)
			got := frame.Unmask()
			require.NotNil(t, got)
			assert.Equal(t, key, *got)
			assert.Equal(t, payload, frame.Payload)
		}
	})

	t.Run("unmask on unmasked frame is a no-op", func(t *testing.T) {
		frame := OwnedFrame{Payload: []byte("plain")}
		assert.Nil(t, frame.Unmask())
		assert.Equal(t, []byte("plain"), frame.Payload)
	})
}

func TestWriteFrameMinimalLengthEncoding(t *testing.T) {
	cases := []struct {
		name       string
		payloadLen int
		headerLen  int
	}{
		{"fits 7-bit length", 125, 2},
		{"16-bit boundary", 126, 4},
		{"16-bit max", 65535, 4},
		{"64-bit boundary", 65536, 10},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			payload := make([]byte, tc.payloadLen)
			err := writeFrame(&buf, make([]byte, maxFrameHeaderSize), FrameHeader{Fin: true, Opcode: OpBinary}, payload)
			require.NoError(t, err)
			assert.Equal(t, tc.headerLen+tc.payloadLen, buf.Len())
		})
	}
}

func TestReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := FrameHeader{Fin: true, Opcode: OpText}
	payload := []byte("Hello")
	require.NoError(t, writeFrame(&buf, make([]byte, maxFrameHeaderSize), h, payload))

	got, err := readFrame(&buf, make([]byte, maxFrameHeaderSize), 0, false)
	require.NoError(t, err)
	assert.True(t, got.Header.Fin)
	assert.Equal(t, OpText, got.Header.Opcode)
	assert.Equal(t, payload, got.Payload)
	assert.Nil(t, got.Header.MaskKey)
}

func TestReadFrameUnmasksClientFrame(t *testing.T) {
	var buf bytes.Buffer
	key := [4]byte{1, 2, 3, 4}
	frame := OwnedFrame{Header: FrameHeader{Fin: true, Opcode: OpBinary}, Payload: []byte("ABCDEF")}
	frame.Mask(key)
	require.NoError(t, writeFrame(&buf, make([]byte, maxFrameHeaderSize), frame.Header, frame.Payload))

	got, err := readFrame(&buf, make([]byte, maxFrameHeaderSize), 0, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("ABCDEF"), got.Payload)
	assert.Nil(t, got.Header.MaskKey)
}

func TestReadFrameRejectsReservedBits(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, make([]byte, maxFrameHeaderSize), FrameHeader{Fin: true, RSV2: true, Opcode: OpBinary}, nil))

	_, err := readFrame(&buf, make([]byte, maxFrameHeaderSize), 0, false)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CloseProtocolError, perr.Code)
	assert.Equal(t, KindReservedBitsSet, perr.Kind)
}

func TestReadFrameRejectsInvalidOpcode(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x80 | 0x03, 0x00}) // fin=1, opcode=3 (reserved), len=0

	_, err := readFrame(&buf, make([]byte, maxFrameHeaderSize), 0, false)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindInvalidOpcode, perr.Kind)
}

func TestReadFrameRejectsFragmentedControlFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, make([]byte, maxFrameHeaderSize), FrameHeader{Fin: false, Opcode: OpPing}, nil))

	_, err := readFrame(&buf, make([]byte, maxFrameHeaderSize), 0, false)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindFragmentedControlFrame, perr.Kind)
}

func TestReadFrameRejectsOversizeControlFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, make([]byte, maxFrameHeaderSize), FrameHeader{Fin: true, Opcode: OpPing}, make([]byte, 126)))

	_, err := readFrame(&buf, make([]byte, maxFrameHeaderSize), 0, false)
	assert.ErrorIs(t, err, ErrControlFramePayloadTooBig)
}

func TestReadFrameEnforcesReadLimit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, make([]byte, maxFrameHeaderSize), FrameHeader{Fin: true, Opcode: OpBinary}, make([]byte, 100)))

	_, err := readFrame(&buf, make([]byte, maxFrameHeaderSize), 10, false)
	assert.ErrorIs(t, err, ErrReadLimit)
}

func TestEmptyPayloadFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, make([]byte, maxFrameHeaderSize), FrameHeader{Fin: true, Opcode: OpText}, nil))
	assert.Equal(t, 2, buf.Len())

	got, err := readFrame(&buf, make([]byte, maxFrameHeaderSize), 0, false)
	require.NoError(t, err)
	assert.True(t, got.Header.Fin)
	assert.Empty(t, got.Payload)
}
