package websocket

import (
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Codec turns a Stream into a message-oriented WebSocket channel with
// optional permessage-deflate compression. It owns both the write and read
// states until Split is called, after which each half is independently
// owned by the returned DeflateSend/DeflateRecv.
type Codec struct {
	stream   Stream
	write    *WriteState
	read     *ReadState
	isServer bool
	id       uuid.UUID
	logger   Logger

	writeMu   sync.Mutex
	closeSent bool
}

// NewCodec builds a Codec around stream using opts. isServer selects
// RFC 6455 masking direction: servers never mask outbound frames and
// clients always do, regardless of what FrameConfig.MaskSendFrame says
// (callers configuring MaskSendFrame directly should prefer NewCodecRaw).
func NewCodec(stream Stream, opts Options, isServer bool) *Codec {
	cfg := opts.Frame
	cfg.MaskSendFrame = !isServer
	return newCodec(stream, cfg, opts.PMD, opts.CompressionLevel, opts.ReadLimit, isServer)
}

// NewCodecRaw builds a Codec with cfg used verbatim, for callers that need
// to deviate from the standard client/server masking convention (tests,
// proxies relaying frames unmodified).
func NewCodecRaw(stream Stream, cfg FrameConfig, pmd *PMDConfig, level int, readLimit int64, isServer bool) *Codec {
	return newCodec(stream, cfg, pmd, level, readLimit, isServer)
}

func newCodec(stream Stream, cfg FrameConfig, pmd *PMDConfig, level int, readLimit int64, isServer bool) *Codec {
	id, _ := uuid.NewRandom()
	c := &Codec{
		stream:   stream,
		write:    NewWriteState(cfg, pmd, isServer, level),
		read:     NewReadState(cfg, pmd, isServer),
		isServer: isServer,
		id:       id,
		logger:   noopLogger{},
	}
	if readLimit > 0 {
		c.read.SetReadLimit(readLimit)
	}
	return c
}

// SetLogger installs l on the Codec and both its read and write states.
func (c *Codec) SetLogger(l Logger) {
	if l == nil {
		return
	}
	c.logger = l
	c.write.SetLogger(l)
	c.read.SetLogger(l)
}

// ConnID returns the UUID assigned to this Codec at construction, used
// purely for log correlation — it carries no protocol meaning.
func (c *Codec) ConnID() uuid.UUID {
	return c.id
}

// IsServer reports the masking role this Codec was constructed with.
func (c *Codec) IsServer() bool {
	return c.isServer
}

// Receive assembles and returns the next logical message.
func (c *Codec) Receive() (FrameHeader, []byte, error) {
	return c.read.Receive(c.stream)
}

// ReceiveMut is like Receive but returns a slice that aliases the Codec's
// internal accumulator, valid only until the next Receive/ReceiveMut call.
func (c *Codec) ReceiveMut() (FrameHeader, []byte, error) {
	return c.read.ReceiveMut(c.stream)
}

// SendOwnedFrame writes frame as a single wire frame without fragmenting
// it, per WriteState.SendOwnedFrame (which compresses data frames when
// permessage-deflate is active).
func (c *Codec) SendOwnedFrame(frame OwnedFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closeSent {
		return ErrCloseSent
	}
	if err := c.write.SendOwnedFrame(c.stream, frame); err != nil {
		return err
	}
	return c.stream.Flush()
}

// Send writes one logical message, fragmenting per FrameConfig.
func (c *Codec) Send(opcode Opcode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closeSent {
		return ErrCloseSent
	}
	if err := c.write.Send(c.stream, opcode, payload); err != nil {
		return err
	}
	return c.stream.Flush()
}

// Text writes payload as a Text message.
func (c *Codec) Text(payload []byte) error { return c.Send(OpText, payload) }

// Binary writes payload as a Binary message.
func (c *Codec) Binary(payload []byte) error { return c.Send(OpBinary, payload) }

// Ping writes a Ping control frame.
func (c *Codec) Ping(payload []byte) error {
	return c.SendOwnedFrame(OwnedFrame{Header: FrameHeader{Fin: true, Opcode: OpPing}, Payload: payload})
}

// Pong writes a Pong control frame.
func (c *Codec) Pong(payload []byte) error {
	return c.SendOwnedFrame(OwnedFrame{Header: FrameHeader{Fin: true, Opcode: OpPong}, Payload: payload})
}

// Close writes a Close control frame carrying code and reason, and marks
// the Codec so subsequent writes return ErrCloseSent. It does not close the
// underlying stream; callers own that lifecycle.
func (c *Codec) Close(code int, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closeSent {
		return ErrCloseSent
	}
	err := c.write.SendOwnedFrame(c.stream, OwnedFrame{
		Header:  FrameHeader{Fin: true, Opcode: OpClose},
		Payload: FormatCloseMessage(code, reason),
	})
	c.closeSent = true
	if err != nil {
		return err
	}
	return c.stream.Flush()
}

// Flush drains any buffered writes on the underlying stream.
func (c *Codec) Flush() error {
	return c.stream.Flush()
}

// StreamMut returns the Codec's underlying Stream for callers that need
// direct access (e.g. to set deadlines on the concrete net.Conn beneath
// it).
func (c *Codec) StreamMut() Stream {
	return c.stream
}

// DeflateSend is the write half of a split Codec.
type DeflateSend struct {
	w     io.WriteCloser
	write *WriteState
}

// Send writes one logical message through the split write half.
func (s *DeflateSend) Send(opcode Opcode, payload []byte) error {
	return s.write.Send(s.w, opcode, payload)
}

// SendOwnedFrame writes frame as a single wire frame through the split
// write half, per WriteState.SendOwnedFrame.
func (s *DeflateSend) SendOwnedFrame(frame OwnedFrame) error {
	return s.write.SendOwnedFrame(s.w, frame)
}

// Close closes the underlying write half's transport.
func (s *DeflateSend) Close() error {
	return s.w.Close()
}

// DeflateRecv is the read half of a split Codec.
type DeflateRecv struct {
	r    io.ReadCloser
	read *ReadState
}

// Receive assembles and returns the next logical message from the split
// read half.
func (r *DeflateRecv) Receive() (FrameHeader, []byte, error) {
	return r.read.Receive(r.r)
}

// ReceiveMut is like Receive but aliases the read half's internal
// accumulator.
func (r *DeflateRecv) ReceiveMut() (FrameHeader, []byte, error) {
	return r.read.ReceiveMut(r.r)
}

// Close closes the underlying read half's transport.
func (r *DeflateRecv) Close() error {
	return r.r.Close()
}

// ErrNotSplittable is returned by Split when the Codec's Stream does not
// implement SplittableStream.
var ErrNotSplittable = errors.New("websocket: stream does not support split")

// Split detaches the Codec's write and read states into independently
// owned halves over the two sides of the underlying stream's Split. After
// Split returns successfully, the Codec itself must not be used again —
// no shared mutable state remains between the two halves.
func (c *Codec) Split() (*DeflateRecv, *DeflateSend, error) {
	splittable, ok := c.stream.(SplittableStream)
	if !ok {
		return nil, nil, ErrNotSplittable
	}
	rh, wh := splittable.Split()
	return &DeflateRecv{r: rh, read: c.read}, &DeflateSend{w: wh, write: c.write}, nil
}
