package websocket

import "io"

// WriteState drives the outbound half of a Codec: fragmentation,
// compression, and masking of data frames, and verbatim framing of control
// frames. It holds no reference to a transport; callers pass an io.Writer to
// each call, matching Codec's split-stream support.
type WriteState struct {
	cfg      FrameConfig
	pmd      *PMDConfig
	isServer bool
	engine   *compressEngine
	header   []byte
	logger   Logger
}

// NewWriteState builds a WriteState. pmd is nil when permessage-deflate was
// not negotiated; level selects the DEFLATE compression level used when it
// was.
func NewWriteState(cfg FrameConfig, pmd *PMDConfig, isServer bool, level int) *WriteState {
	ws := &WriteState{
		cfg:      cfg,
		pmd:      pmd,
		isServer: isServer,
		header:   make([]byte, maxFrameHeaderSize),
		logger:   noopLogger{},
	}
	if pmd != nil {
		ws.engine = newCompressEngine(level)
	}
	return ws
}

// SetLogger installs l for diagnostic logging; a nil logger is ignored.
func (ws *WriteState) SetLogger(l Logger) {
	if l != nil {
		ws.logger = l
	}
}

func (ws *WriteState) noContextTakeover() bool {
	if ws.pmd == nil {
		return false
	}
	if ws.isServer {
		return ws.pmd.ServerNoContextTakeover
	}
	return ws.pmd.ClientNoContextTakeover
}

func (ws *WriteState) afterMessage() {
	if ws.engine != nil && ws.noContextTakeover() {
		_ = ws.engine.Reset()
	}
}

func (ws *WriteState) nextMaskKey() (*[4]byte, error) {
	if !ws.cfg.MaskSendFrame {
		return nil, nil
	}
	key, err := newMaskKey()
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// SendOwnedFrame writes frame as a single wire frame, keeping its header: it
// compresses and stamps RSV1 on a non-control frame when permessage-deflate
// is active, applies masking per FrameConfig, and rejects oversize control
// payloads. It does not fragment.
func (ws *WriteState) SendOwnedFrame(w io.Writer, frame OwnedFrame) error {
	h := frame.Header
	payload := frame.Payload

	if h.Opcode.IsControl() {
		if len(payload) > maxControlFramePayloadSize {
			return ErrControlFramePayloadTooBig
		}
		return ws.writeMasked(w, h, payload)
	}

	if ws.engine != nil && len(payload) > 0 {
		compressed, err := ws.engine.Compress(payload)
		if err != nil {
			ws.logger.Error("websocket: compress failed", "err", err)
			return err
		}
		payload = compressed
		h.RSV1 = true
	}

	if err := ws.writeMasked(w, h, payload); err != nil {
		return err
	}
	if h.Opcode.IsData() && h.Fin {
		ws.afterMessage()
	}
	return nil
}

func (ws *WriteState) writeMasked(w io.Writer, h FrameHeader, payload []byte) error {
	key, err := ws.nextMaskKey()
	if err != nil {
		return err
	}
	if key != nil {
		payload = append([]byte(nil), payload...)
		maskBytes(*key, payload)
		h.MaskKey = key
	}
	return writeFrame(w, ws.header, h, payload)
}

// Send writes one logical message of the given opcode, splitting it into
// fragments of at most cfg.AutoFragmentSize bytes when set. Each fragment is
// compressed independently (compression happens after fragmentation), and
// RSV1 is stamped on every fragment of a compressed message, matching how
// peers built against this same design read them back. A zero-length
// payload always produces a single, uncompressed frame.
func (ws *WriteState) Send(w io.Writer, opcode Opcode, payload []byte) error {
	if opcode.IsControl() {
		return ws.SendOwnedFrame(w, OwnedFrame{Header: FrameHeader{Fin: true, Opcode: opcode}, Payload: payload})
	}

	if len(payload) == 0 {
		return ws.writeMasked(w, FrameHeader{Fin: true, Opcode: opcode}, nil)
	}

	chunkSize := ws.cfg.AutoFragmentSize
	if chunkSize <= 0 {
		chunkSize = len(payload)
	}

	for offset := 0; offset < len(payload); offset += chunkSize {
		end := offset + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		op := opcode
		if offset > 0 {
			op = OpContinue
		}
		if err := ws.sendFragment(w, op, payload[offset:end], end == len(payload)); err != nil {
			return err
		}
	}
	return nil
}

func (ws *WriteState) sendFragment(w io.Writer, opcode Opcode, chunk []byte, fin bool) error {
	h := FrameHeader{Fin: fin, Opcode: opcode}
	payload := chunk

	if ws.engine != nil {
		compressed, err := ws.engine.Compress(chunk)
		if err != nil {
			ws.logger.Error("websocket: compress failed", "err", err)
			return err
		}
		payload = compressed
		h.RSV1 = true
	}

	if err := ws.writeMasked(w, h, payload); err != nil {
		return err
	}
	if fin {
		ws.afterMessage()
	}
	return nil
}

// Text writes payload as a single Text message.
func (ws *WriteState) Text(w io.Writer, payload []byte) error {
	return ws.Send(w, OpText, payload)
}

// Binary writes payload as a single Binary message.
func (ws *WriteState) Binary(w io.Writer, payload []byte) error {
	return ws.Send(w, OpBinary, payload)
}

// Ping writes a Ping control frame.
func (ws *WriteState) Ping(w io.Writer, payload []byte) error {
	return ws.SendOwnedFrame(w, OwnedFrame{Header: FrameHeader{Fin: true, Opcode: OpPing}, Payload: payload})
}

// Pong writes a Pong control frame.
func (ws *WriteState) Pong(w io.Writer, payload []byte) error {
	return ws.SendOwnedFrame(w, OwnedFrame{Header: FrameHeader{Fin: true, Opcode: OpPong}, Payload: payload})
}

// Close writes a Close control frame carrying code and text.
func (ws *WriteState) Close(w io.Writer, code int, text string) error {
	return ws.SendOwnedFrame(w, OwnedFrame{Header: FrameHeader{Fin: true, Opcode: OpClose}, Payload: FormatCloseMessage(code, text)})
}
