package websocket

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Options is the aggregate, YAML-loadable tuning knob set for a Codec: the
// frame-handling policy, the negotiated PMD parameters (nil disables
// compression outright regardless of what the peer offered), and the
// compression level passed to the DEFLATE engine.
type Options struct {
	Frame            FrameConfig `yaml:"frame"`
	PMD              *PMDConfig  `yaml:"pmd"`
	CompressionLevel int         `yaml:"compression_level"`
	ReadLimit        int64       `yaml:"read_limit"`
}

// DefaultOptions mirrors DefaultFrameConfig and DefaultCompressionLevel,
// with PMD left unset (compression disabled) until a handshake negotiates
// it.
func DefaultOptions() Options {
	return Options{
		Frame:            DefaultFrameConfig(),
		CompressionLevel: DefaultCompressionLevel,
	}
}

// LoadOptions reads and parses a YAML options document from path, applying
// DefaultOptions for any field the document leaves zero-valued.
func LoadOptions(path string) (Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Options{}, err
	}
	return ParseOptions(raw)
}

// ParseOptions parses a YAML options document from raw bytes, applying
// DefaultOptions for any field the document leaves zero-valued.
func ParseOptions(raw []byte) (Options, error) {
	opts := DefaultOptions()
	if err := yaml.Unmarshal(raw, &opts); err != nil {
		return Options{}, err
	}
	if opts.CompressionLevel == 0 {
		opts.CompressionLevel = DefaultCompressionLevel
	}
	return opts, nil
}
