package websocket

import (
	"io"
	"unicode/utf8"

	"github.com/valyala/bytebufferpool"
)

// ReadState drives the inbound half of a Codec: per-frame decompression,
// fragmentation reassembly, control-frame isolation, and UTF-8 validation.
// Like WriteState it holds no transport reference; callers pass an
// io.Reader to each call.
type ReadState struct {
	cfg       FrameConfig
	pmd       *PMDConfig
	isServer  bool
	engine    *decompressEngine
	header    []byte
	logger    Logger
	readLimit int64

	fragmented     bool
	fragmentedType Opcode
	fragmentedData *bytebufferpool.ByteBuffer
	controlBuf     *bytebufferpool.ByteBuffer
}

// NewReadState builds a ReadState. pmd is nil when permessage-deflate was
// not negotiated.
func NewReadState(cfg FrameConfig, pmd *PMDConfig, isServer bool) *ReadState {
	rs := &ReadState{
		cfg:            cfg,
		pmd:            pmd,
		isServer:       isServer,
		header:         make([]byte, maxFrameHeaderSize),
		logger:         noopLogger{},
		fragmentedData: bytebufferpool.Get(),
		controlBuf:     bytebufferpool.Get(),
	}
	if pmd != nil {
		rs.engine = newDecompressEngine()
	}
	return rs
}

// SetLogger installs l for diagnostic logging; a nil logger is ignored.
func (rs *ReadState) SetLogger(l Logger) {
	if l != nil {
		rs.logger = l
	}
}

// SetReadLimit caps the payload length of a single frame. Zero or negative
// disables the limit.
func (rs *ReadState) SetReadLimit(n int64) {
	rs.readLimit = n
}

// peerNoContextTakeover reports whether the remote party, which produced
// the compressed bytes this ReadState inflates, resets its compressor
// between messages. The server's ReadState decodes the client's output, so
// it is governed by ClientNoContextTakeover and vice versa — the opposite
// of the bit WriteState consults for the same role, since the write side
// resets its own compressor while the read side mirrors the peer's.
func (rs *ReadState) peerNoContextTakeover() bool {
	if rs.pmd == nil {
		return false
	}
	if rs.isServer {
		return rs.pmd.ClientNoContextTakeover
	}
	return rs.pmd.ServerNoContextTakeover
}

func (rs *ReadState) afterMessage() {
	if rs.engine != nil && rs.peerNoContextTakeover() {
		_ = rs.engine.Reset()
	}
}

// ReceiveOne reads exactly one frame from r and, if it carries RSV1,
// inflates its payload and clears RSV1 on the returned header so the frame
// looks like an ordinary, uncompressed frame to the caller. It performs no
// fragmentation bookkeeping and no context-takeover reset — those are the
// concern of Receive/ReceiveMut, which call ReceiveOne in a loop.
func (rs *ReadState) ReceiveOne(r io.Reader) (FrameHeader, []byte, error) {
	frame, err := readFrame(r, rs.header, rs.readLimit, rs.isServer)
	if err != nil {
		return FrameHeader{}, nil, err
	}

	h := frame.Header
	payload := frame.Payload

	if !h.RSV1 {
		return h, payload, nil
	}
	if !h.Opcode.IsData() {
		return FrameHeader{}, nil, newProtocolError(CloseProtocolError, KindCompressedControlFrame)
	}
	if rs.engine == nil {
		return FrameHeader{}, nil, ErrExtensionNotEnabled
	}

	out, err := rs.engine.Decompress(payload)
	if err != nil {
		rs.logger.Error("websocket: decompress failed", "err", err)
		return FrameHeader{}, nil, err
	}
	h.RSV1 = false
	return h, out, nil
}

// Receive assembles the next logical message, returning a copy of its
// payload that remains valid across subsequent calls.
func (rs *ReadState) Receive(r io.Reader) (FrameHeader, []byte, error) {
	h, payload, err := rs.receive(r)
	if err != nil {
		return h, nil, err
	}
	return h, append([]byte(nil), payload...), nil
}

// ReceiveMut assembles the next logical message like Receive, but returns a
// slice that aliases the ReadState's internal accumulator. The slice is
// only valid until the next call on this ReadState; callers that need to
// retain it must copy.
func (rs *ReadState) ReceiveMut(r io.Reader) (FrameHeader, []byte, error) {
	return rs.receive(r)
}

func (rs *ReadState) receive(r io.Reader) (FrameHeader, []byte, error) {
	for {
		h, payload, err := rs.ReceiveOne(r)
		if err != nil {
			return FrameHeader{}, nil, err
		}

		if h.Opcode.IsControl() {
			rs.controlBuf.Reset()
			_, _ = rs.controlBuf.Write(payload)
			return h, rs.controlBuf.Bytes(), nil
		}

		if !h.Opcode.IsData() {
			return FrameHeader{}, nil, newProtocolError(CloseProtocolError, KindUnsupportedFrame)
		}

		out, done, err := rs.assemble(&h, payload)
		if err != nil {
			return FrameHeader{}, nil, err
		}
		if done {
			return h, out, nil
		}
		// merge_frame=true, mid-message fragment: keep reading.
	}
}

// assemble feeds one post-inflate data frame through the fragmentation
// state machine. It returns the bytes to surface to the caller (nil when
// the caller should keep looping) and whether the logical message is
// complete. header.Opcode is rewritten in place to the message's opcode
// when a fragmented message completes.
func (rs *ReadState) assemble(header *FrameHeader, payload []byte) ([]byte, bool, error) {
	op := header.Opcode

	if !rs.cfg.MergeFrame {
		return rs.assembleUnmerged(header, op, payload)
	}

	switch {
	case !rs.fragmented && op != OpContinue && header.Fin:
		rs.fragmentedData.Reset()
		_, _ = rs.fragmentedData.Write(payload)
		if err := rs.checkUTF8(op, payload, true); err != nil {
			return nil, false, err
		}
		rs.afterMessage()
		return rs.fragmentedData.Bytes(), true, nil

	case !rs.fragmented && op != OpContinue && !header.Fin:
		rs.fragmented = true
		rs.fragmentedType = op
		rs.fragmentedData.Reset()
		_, _ = rs.fragmentedData.Write(payload)
		if err := rs.checkUTF8(op, payload, false); err != nil {
			rs.fragmented = false
			return nil, false, err
		}
		return nil, false, nil

	case !rs.fragmented && op == OpContinue:
		return nil, false, newProtocolError(CloseProtocolError, KindMissInitialFragmentedFrame)

	case rs.fragmented && op == OpContinue && !header.Fin:
		_, _ = rs.fragmentedData.Write(payload)
		if err := rs.checkUTF8(rs.fragmentedType, payload, false); err != nil {
			return nil, false, err
		}
		return nil, false, nil

	case rs.fragmented && op == OpContinue && header.Fin:
		_, _ = rs.fragmentedData.Write(payload)
		rs.fragmented = false
		msgType := rs.fragmentedType
		out := rs.fragmentedData.Bytes()
		if err := rs.checkUTF8(msgType, out, true); err != nil {
			return nil, false, err
		}
		rs.afterMessage()
		header.Opcode = msgType
		return out, true, nil

	default: // rs.fragmented && op is Text/Binary
		return nil, false, newProtocolError(CloseProtocolError, KindNotContinueFrameAfterFragmented)
	}
}

// assembleUnmerged implements the merge_frame=false path: fragmentation
// ordering is still validated (so a caller can rely on protocol errors
// firing the same way), but each frame's payload is surfaced on its own
// rather than folded into an accumulated message.
func (rs *ReadState) assembleUnmerged(header *FrameHeader, op Opcode, payload []byte) ([]byte, bool, error) {
	switch {
	case !rs.fragmented && op != OpContinue && header.Fin:
		if err := rs.checkUTF8(op, payload, true); err != nil {
			return nil, false, err
		}
		rs.afterMessage()
		return payload, true, nil

	case !rs.fragmented && op != OpContinue && !header.Fin:
		rs.fragmented = true
		rs.fragmentedType = op
		if err := rs.checkUTF8(op, payload, false); err != nil {
			rs.fragmented = false
			return nil, false, err
		}
		return payload, true, nil

	case !rs.fragmented && op == OpContinue:
		return nil, false, newProtocolError(CloseProtocolError, KindMissInitialFragmentedFrame)

	case rs.fragmented && op == OpContinue && !header.Fin:
		if err := rs.checkUTF8(rs.fragmentedType, payload, false); err != nil {
			return nil, false, err
		}
		return payload, true, nil

	case rs.fragmented && op == OpContinue && header.Fin:
		rs.fragmented = false
		if err := rs.checkUTF8(rs.fragmentedType, payload, false); err != nil {
			return nil, false, err
		}
		rs.afterMessage()
		return payload, true, nil

	default:
		return nil, false, newProtocolError(CloseProtocolError, KindNotContinueFrameAfterFragmented)
	}
}

// checkUTF8 validates payload according to cfg.ValidateUTF8. final marks
// whether payload is the fully assembled message (UTF8Check only runs
// here); fragment-level calls pass final=false and are only acted on in
// UTF8FastFail mode. Binary messages are never validated.
func (rs *ReadState) checkUTF8(opcode Opcode, payload []byte, final bool) error {
	if opcode != OpText {
		return nil
	}
	switch rs.cfg.ValidateUTF8 {
	case UTF8FastFail:
		if !utf8.Valid(payload) {
			return newProtocolError(CloseInvalidFramePayloadData, KindInvalidUTF8)
		}
	case UTF8Check:
		if final && !utf8.Valid(payload) {
			return newProtocolError(CloseInvalidFramePayloadData, KindInvalidUTF8)
		}
	}
	return nil
}

// Reset clears fragmentation state after a protocol or I/O error so the
// next call does not leak a partially assembled message into a new one.
func (rs *ReadState) Reset() {
	rs.fragmented = false
	rs.fragmentedData.Reset()
	rs.controlBuf.Reset()
}
