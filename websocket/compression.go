package websocket

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/valyala/bytebufferpool"
)

// PMD compression levels, mirroring compress/flate's range.
const (
	MinCompressionLevel     = -2
	MaxCompressionLevel     = 9
	DefaultCompressionLevel = 1
)

// deflateSyncFlushTail is the four-byte trailer (an empty stored block) that
// a sync-flush leaves at the end of a DEFLATE stream. RFC 7692 section 7.2.1
// requires senders to strip it and receivers to append it back before the
// last block of a message is decoded.
var deflateSyncFlushTail = [4]byte{0x00, 0x00, 0xff, 0xff}

// maxWindowSize bounds the dictionary carried between messages to the
// largest LZ77 window flate supports (2^15 bytes).
const maxWindowSize = 32768

// PMDConfig holds a negotiated permessage-deflate parameter set: whether
// each role resets its compression/decompression state between messages,
// and the maximum LZ77 window size each role's deflate engine may use.
type PMDConfig struct {
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
	ServerMaxWindowBits     int
	ClientMaxWindowBits     int
}

// DefaultPMDConfig returns an offer with context takeover enabled on both
// sides and the maximum window size.
func DefaultPMDConfig() PMDConfig {
	return PMDConfig{ServerMaxWindowBits: 15, ClientMaxWindowBits: 15}
}

// negotiatePMD resolves an offer against local limits by taking the
// narrower window size on each side; no_context_takeover bits are additive
// (either side setting them wins) since a party cannot be forced to retain
// state it already declared it would discard.
func negotiatePMD(offer, local PMDConfig) PMDConfig {
	resolved := offer
	if local.ServerMaxWindowBits != 0 && local.ServerMaxWindowBits < resolved.ServerMaxWindowBits {
		resolved.ServerMaxWindowBits = local.ServerMaxWindowBits
	}
	if local.ClientMaxWindowBits != 0 && local.ClientMaxWindowBits < resolved.ClientMaxWindowBits {
		resolved.ClientMaxWindowBits = local.ClientMaxWindowBits
	}
	resolved.ServerNoContextTakeover = resolved.ServerNoContextTakeover || local.ServerNoContextTakeover
	resolved.ClientNoContextTakeover = resolved.ClientNoContextTakeover || local.ClientNoContextTakeover
	return resolved
}

// compressEngine drives one direction's DEFLATE compression. Context
// takeover is implemented by carrying the tail of previously compressed
// plaintext forward as a preset dictionary (github.com/klauspost/compress/flate's
// NewWriterDict) rather than keeping a single long-lived *flate.Writer open,
// since the stdlib-shaped Writer.Reset has no dictionary parameter. Resetting
// clears the dictionary, which is observably equivalent to a fresh engine.
type compressEngine struct {
	level  int
	window []byte
}

func newCompressEngine(level int) *compressEngine {
	return &compressEngine{level: level}
}

// Compress deflates the concatenation of chunks, strips the trailing
// sync-flush marker, and returns a standalone copy of the result.
func (c *compressEngine) Compress(chunks ...[]byte) ([]byte, error) {
	out := bytebufferpool.Get()
	defer bytebufferpool.Put(out)

	fw, err := flate.NewWriterDict(out, c.level, c.window)
	if err != nil {
		return nil, &CompressError{Op: "compress", Err: err}
	}

	var plain []byte
	for _, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		if _, err := fw.Write(chunk); err != nil {
			return nil, &CompressError{Op: "compress", Err: err}
		}
		plain = append(plain, chunk...)
	}
	if err := fw.Close(); err != nil {
		return nil, &CompressError{Op: "compress", Err: err}
	}

	c.extendWindow(plain)

	b := out.Bytes()
	if len(b) >= 4 && bytes.Equal(b[len(b)-4:], deflateSyncFlushTail[:]) {
		b = b[:len(b)-4]
	}
	return append([]byte(nil), b...), nil
}

func (c *compressEngine) extendWindow(plain []byte) {
	if len(plain) == 0 {
		return
	}
	c.window = append(c.window, plain...)
	if len(c.window) > maxWindowSize {
		c.window = append([]byte(nil), c.window[len(c.window)-maxWindowSize:]...)
	}
}

// Reset discards the carried dictionary, so the next Compress call behaves
// exactly as a freshly constructed engine would.
func (c *compressEngine) Reset() error {
	c.window = nil
	return nil
}

// decompressEngine is compressEngine's read-side counterpart.
type decompressEngine struct {
	window []byte
}

func newDecompressEngine() *decompressEngine {
	return &decompressEngine{}
}

// Decompress appends the sync-flush trailer to chunks and inflates the
// result using the dictionary carried from prior messages.
func (d *decompressEngine) Decompress(chunks ...[]byte) ([]byte, error) {
	readers := make([]io.Reader, 0, len(chunks)+1)
	for _, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		readers = append(readers, bytes.NewReader(chunk))
	}
	readers = append(readers, bytes.NewReader(deflateSyncFlushTail[:]))

	fr := flate.NewReaderDict(io.MultiReader(readers...), d.window)
	defer fr.Close()

	out, err := io.ReadAll(fr)
	if err != nil {
		return nil, &CompressError{Op: "decompress", Err: err}
	}

	d.extendWindow(out)
	return out, nil
}

func (d *decompressEngine) extendWindow(plain []byte) {
	if len(plain) == 0 {
		return
	}
	d.window = append(d.window, plain...)
	if len(d.window) > maxWindowSize {
		d.window = append([]byte(nil), d.window[len(d.window)-maxWindowSize:]...)
	}
}

// Reset discards the carried dictionary, so the next Decompress call
// behaves exactly as a freshly constructed engine would.
func (d *decompressEngine) Reset() error {
	d.window = nil
	return nil
}
