package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressStripsSyncFlushTail(t *testing.T) {
	c := newCompressEngine(DefaultCompressionLevel)
	out, err := c.Compress([]byte("Hello"))
	require.NoError(t, err)
	tailStart := max(0, len(out)-4)
	assert.NotEqual(t, deflateSyncFlushTail[:], out[tailStart:])
}

func TestDecompressAppendsSyncFlushTail(t *testing.T) {
	c := newCompressEngine(DefaultCompressionLevel)
	compressed, err := c.Compress([]byte("Hello, world!"))
	require.NoError(t, err)

	d := newDecompressEngine()
	out, err := d.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world!", string(out))
}

func TestCompressDecompressRoundTripsArbitraryPayloads(t *testing.T) {
	payloads := []string{"", "a", "Hello", "the quick brown fox jumps over the lazy dog, repeatedly, repeatedly, repeatedly"}

	for _, p := range payloads {
		c := newCompressEngine(DefaultCompressionLevel)
		d := newDecompressEngine()

		compressed, err := c.Compress([]byte(p))
		require.NoError(t, err)

		out, err := d.Decompress(compressed)
		require.NoError(t, err)
		assert.Equal(t, p, string(out))
	}
}

func TestContextTakeoverCarriesWindowAcrossMessages(t *testing.T) {
	c := newCompressEngine(DefaultCompressionLevel)
	d := newDecompressEngine()

	for i := 0; i < 3; i++ {
		compressed, err := c.Compress([]byte("repeated payload repeated payload"))
		require.NoError(t, err)
		out, err := d.Decompress(compressed)
		require.NoError(t, err)
		assert.Equal(t, "repeated payload repeated payload", string(out))
	}
}

func TestResetProducesFreshEngineOutput(t *testing.T) {
	warm := newCompressEngine(DefaultCompressionLevel)
	_, err := warm.Compress([]byte("priming the dictionary with some text"))
	require.NoError(t, err)
	require.NoError(t, warm.Reset())

	fresh := newCompressEngine(DefaultCompressionLevel)

	warmOut, err := warm.Compress([]byte("identical payload"))
	require.NoError(t, err)
	freshOut, err := fresh.Compress([]byte("identical payload"))
	require.NoError(t, err)

	assert.Equal(t, freshOut, warmOut)
}

func TestNegotiatePMDTakesMinimumWindowBits(t *testing.T) {
	offer := PMDConfig{ServerMaxWindowBits: 15, ClientMaxWindowBits: 15}
	local := PMDConfig{ServerMaxWindowBits: 10, ClientMaxWindowBits: 12}

	got := negotiatePMD(offer, local)
	assert.Equal(t, 10, got.ServerMaxWindowBits)
	assert.Equal(t, 12, got.ClientMaxWindowBits)
}

func TestNegotiatePMDNoContextTakeoverIsAdditive(t *testing.T) {
	offer := PMDConfig{ServerMaxWindowBits: 15, ClientMaxWindowBits: 15}
	local := PMDConfig{ServerMaxWindowBits: 15, ClientMaxWindowBits: 15, ServerNoContextTakeover: true}

	got := negotiatePMD(offer, local)
	assert.True(t, got.ServerNoContextTakeover)
	assert.False(t, got.ClientNoContextTakeover)
}
