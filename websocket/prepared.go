package websocket

import "sync"

// PreparedMessage caches the on-the-wire bytes of a payload so the same
// message can be broadcast to many codecs without re-framing or
// re-compressing it per recipient. Frames are cached per (isServer,
// compressed) combination, since those are the only two variables that
// change the bytes actually placed on the wire (masking keys are random
// per write and are therefore never cached).
type PreparedMessage struct {
	opcode Opcode
	data   []byte

	mu     sync.Mutex
	frames map[preparedKey]*preparedFrame
}

type preparedKey struct {
	isServer   bool
	compressed bool
}

type preparedFrame struct {
	data []byte
}

// NewPreparedMessage returns an initialized PreparedMessage for a Text or
// Binary payload.
func NewPreparedMessage(opcode Opcode, data []byte) (*PreparedMessage, error) {
	if opcode != OpText && opcode != OpBinary {
		return nil, newProtocolError(CloseUnsupportedData, KindUnsupportedFrame)
	}
	return &PreparedMessage{
		opcode: opcode,
		data:   data,
		frames: make(map[preparedKey]*preparedFrame),
	}, nil
}

// frame returns the cached wire bytes for key, compressing and framing
// them the first time a given key is requested.
func (pm *PreparedMessage) frame(key preparedKey, engine *compressEngine) ([]byte, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pf, ok := pm.frames[key]; ok {
		return pf.data, nil
	}

	payload := pm.data
	h := FrameHeader{Fin: true, Opcode: pm.opcode}
	if key.compressed {
		compressed, err := engine.Compress(payload)
		if err != nil {
			return nil, err
		}
		payload = compressed
		h.RSV1 = true
	}
	if !key.isServer {
		k, err := newMaskKey()
		if err != nil {
			return nil, err
		}
		payload = append([]byte(nil), payload...)
		maskBytes(k, payload)
		h.MaskKey = &k
	}

	var scratch [maxFrameHeaderSize]byte
	out, err := buildFrameBytes(scratch[:], h, payload)
	if err != nil {
		return nil, err
	}

	pm.frames[key] = &preparedFrame{data: out}
	return out, nil
}

// WritePreparedMessage writes pm's wire bytes for this Codec's role and
// compression setting directly to the underlying stream, bypassing the
// per-call compression and masking WriteState.Send would otherwise
// perform. Each distinct (role, compression) combination is computed once
// and cached on pm, so broadcasting the same PreparedMessage to many
// codecs does not re-run DEFLATE or re-frame the header for each one — a
// fresh masking key is still drawn from the cached payload, since masking
// an already-cached frame with a fixed key would let an observer correlate
// messages across recipients.
func (c *Codec) WritePreparedMessage(pm *PreparedMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closeSent {
		return ErrCloseSent
	}

	key := preparedKey{isServer: c.isServer, compressed: c.write.engine != nil}
	data, err := pm.frame(key, c.write.engine)
	if err != nil {
		return err
	}
	if _, err := c.stream.Write(data); err != nil {
		return err
	}
	return c.stream.Flush()
}
