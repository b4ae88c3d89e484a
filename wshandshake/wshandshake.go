// Package wshandshake drives the RFC 6455 opening handshake that the
// websocket codec package itself treats as an external collaborator: it
// parses and builds the HTTP/1.1 upgrade exchange, negotiates
// permessage-deflate (RFC 7692) from the Sec-WebSocket-Extensions header,
// and hands back an already-constructed websocket.Codec wired to the
// negotiated parameters.
package wshandshake

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/vitalvas/wsflate/websocket"
)

const (
	websocketGUID    = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	websocketVersion = "13"
)

// ErrBadHandshake is returned when either side of the upgrade exchange
// fails RFC 6455 validation.
var ErrBadHandshake = errors.New("wshandshake: bad handshake")

// ServerConfig configures NewServerCodec.
type ServerConfig struct {
	// Frame is applied to the constructed Codec verbatim except for
	// MaskSendFrame, which NewServerCodec always forces to false.
	Frame websocket.FrameConfig

	// CompressionLevel selects the DEFLATE level used when compression is
	// negotiated. Zero selects websocket.DefaultCompressionLevel.
	CompressionLevel int

	// ReadLimit caps a single frame's payload length; zero disables it.
	ReadLimit int64

	// EnableCompression allows the server to negotiate permessage-deflate
	// when the client offers it.
	EnableCompression bool

	// HandshakeTimeout bounds how long writing the 101 response may take.
	HandshakeTimeout time.Duration

	// CheckOrigin decides whether to accept r's Origin header. A nil value
	// defaults to same-origin checking, matching RFC 6455's recommended
	// (but not mandated) posture.
	CheckOrigin func(r *http.Request) bool
}

// NewServerCodec implements the server-side opening handshake per RFC 6455
// section 4.2.2: it validates the upgrade request, negotiates
// permessage-deflate from Sec-WebSocket-Extensions, hijacks the
// connection, writes the 101 response, and returns a websocket.Codec
// configured with MaskSendFrame=false (servers never mask).
func NewServerCodec(w http.ResponseWriter, r *http.Request, cfg ServerConfig) (*websocket.Codec, error) {
	if !isWebSocketUpgrade(r) {
		http.Error(w, "websocket: not an upgrade request", http.StatusBadRequest)
		return nil, ErrBadHandshake
	}
	if r.Method != http.MethodGet {
		http.Error(w, "websocket: method not allowed", http.StatusMethodNotAllowed)
		return nil, ErrBadHandshake
	}
	if !strings.EqualFold(r.Header.Get("Sec-WebSocket-Version"), websocketVersion) {
		http.Error(w, "websocket: unsupported version", http.StatusBadRequest)
		return nil, ErrBadHandshake
	}

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = checkSameOrigin
	}
	if !checkOrigin(r) {
		http.Error(w, "websocket: origin not allowed", http.StatusForbidden)
		return nil, ErrBadHandshake
	}

	challengeKey := r.Header.Get("Sec-WebSocket-Key")
	if challengeKey == "" {
		http.Error(w, "websocket: missing Sec-WebSocket-Key", http.StatusBadRequest)
		return nil, ErrBadHandshake
	}

	var pmd *websocket.PMDConfig
	var responseParams string
	if cfg.EnableCompression {
		if offer, ok := findPMDOffer(r.Header); ok {
			negotiated := negotiateServerPMD(offer)
			pmd = &negotiated
			responseParams = formatPMDParams(negotiated)
		}
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket: response does not support hijacking", http.StatusInternalServerError)
		return nil, ErrBadHandshake
	}
	netConn, brw, err := hj.Hijack()
	if err != nil {
		return nil, err
	}

	if cfg.HandshakeTimeout > 0 {
		_ = netConn.SetWriteDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}

	buf := brw.Writer
	buf.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	buf.WriteString("Upgrade: websocket\r\n")
	buf.WriteString("Connection: Upgrade\r\n")
	buf.WriteString("Sec-WebSocket-Accept: " + computeAcceptKey(challengeKey) + "\r\n")
	if pmd != nil {
		buf.WriteString("Sec-WebSocket-Extensions: permessage-deflate" + responseParams + "\r\n")
	}
	buf.WriteString("\r\n")
	if err := buf.Flush(); err != nil {
		netConn.Close()
		return nil, err
	}
	if cfg.HandshakeTimeout > 0 {
		_ = netConn.SetWriteDeadline(time.Time{})
	}

	level := cfg.CompressionLevel
	if level == 0 {
		level = websocket.DefaultCompressionLevel
	}

	stream := newHijackedStream(netConn, brw)
	return websocket.NewCodec(stream, websocket.Options{
		Frame:            cfg.Frame,
		PMD:              pmd,
		CompressionLevel: level,
		ReadLimit:        cfg.ReadLimit,
	}, true), nil
}

// ClientConfig configures NewClientCodec.
type ClientConfig struct {
	// HTTPClient is used for the HTTP/1.1 upgrade request. If its
	// Transport is an *http2.Transport, NewClientCodec returns an error:
	// WebSocket over HTTP/2 (RFC 8441) is not implemented. A nil HTTPClient
	// uses http.DefaultClient.
	HTTPClient *http.Client

	CompressionLevel int
	ReadLimit        int64

	// EnableCompression requests permessage-deflate via
	// Sec-WebSocket-Extensions.
	EnableCompression bool

	Frame websocket.FrameConfig
}

// NewClientCodec implements the client-side opening handshake per RFC 6455
// section 4.1: it sends the upgrade request, validates the server's
// Sec-WebSocket-Accept digest against the challenge key it generated, and
// returns a websocket.Codec configured with MaskSendFrame=true (clients
// always mask).
func NewClientCodec(ctx context.Context, urlStr string, cfg ClientConfig) (*websocket.Codec, *http.Response, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, nil, err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return nil, nil, errors.New("wshandshake: unsupported scheme " + u.Scheme)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	if t, ok := client.Transport.(*http2.Transport); ok {
		return dialHTTP2(ctx, t, u, cfg)
	}
	return dialHTTP1(ctx, client, u, cfg)
}

func dialHTTP1(ctx context.Context, client *http.Client, u *url.URL, cfg ClientConfig) (*websocket.Codec, *http.Response, error) {
	challengeKey, err := generateChallengeKey()
	if err != nil {
		return nil, nil, err
	}

	req := &http.Request{Method: http.MethodGet, URL: u, Header: make(http.Header), Host: u.Host}
	req = req.WithContext(ctx)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", challengeKey)
	req.Header.Set("Sec-WebSocket-Version", websocketVersion)
	if cfg.EnableCompression {
		req.Header.Set("Sec-WebSocket-Extensions", "permessage-deflate; client_max_window_bits")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}

	if err := validateHandshakeResponse(resp, challengeKey); err != nil {
		resp.Body.Close()
		return nil, resp, err
	}

	netConn, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		resp.Body.Close()
		return nil, resp, errors.New("wshandshake: transport did not expose a hijackable connection")
	}

	pmd := negotiatedClientPMD(resp.Header, cfg.EnableCompression)
	level := cfg.CompressionLevel
	if level == 0 {
		level = websocket.DefaultCompressionLevel
	}

	stream := websocket.NewNetConnStream(readWriteCloserConn{netConn})
	codec := websocket.NewCodec(stream, websocket.Options{
		Frame:            cfg.Frame,
		PMD:              pmd,
		CompressionLevel: level,
		ReadLimit:        cfg.ReadLimit,
	}, false)
	return codec, resp, nil
}

// dialHTTP2 is the dispatch target for an *http2.Transport client. It does
// not perform the RFC 8441 extended-CONNECT bootstrap: it always returns an
// error and never sends a request.
func dialHTTP2(ctx context.Context, _ *http2.Transport, u *url.URL, cfg ClientConfig) (*websocket.Codec, *http.Response, error) {
	return nil, nil, errors.New("wshandshake: HTTP/2 websocket bootstrap requires a caller-supplied RoundTripper that exposes a bidirectional body; see docs")
}

func validateHandshakeResponse(resp *http.Response, challengeKey string) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return ErrBadHandshake
	}
	if !strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		return ErrBadHandshake
	}
	if !strings.EqualFold(resp.Header.Get("Connection"), "upgrade") {
		return ErrBadHandshake
	}
	if resp.Header.Get("Sec-WebSocket-Accept") != computeAcceptKey(challengeKey) {
		return ErrBadHandshake
	}
	return nil
}

func generateChallengeKey() (string, error) {
	key := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func computeAcceptKey(challengeKey string) string {
	h := sha1.New()
	h.Write([]byte(challengeKey))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func checkSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return strings.EqualFold(origin, "http://"+r.Host) || strings.EqualFold(origin, "https://"+r.Host)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return headerContainsToken(r.Header, "Connection", "upgrade") &&
		headerContainsToken(r.Header, "Upgrade", "websocket")
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

type extensionOffer struct {
	name   string
	params map[string]string
}

// parseExtensions parses every Sec-WebSocket-Extensions header value per
// RFC 6455 section 9.1. Extension names and parameter names are lowercased
// so callers can compare them with ==; parameter values keep their case
// (surrounding quotes are stripped).
func parseExtensions(h http.Header) []extensionOffer {
	var offers []extensionOffer
	for _, line := range h.Values("Sec-WebSocket-Extensions") {
		for _, part := range strings.Split(line, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			fields := strings.Split(part, ";")
			ext := extensionOffer{name: strings.ToLower(strings.TrimSpace(fields[0])), params: map[string]string{}}
			for _, p := range fields[1:] {
				p = strings.TrimSpace(p)
				if idx := strings.Index(p, "="); idx >= 0 {
					ext.params[strings.ToLower(strings.TrimSpace(p[:idx]))] = strings.Trim(strings.TrimSpace(p[idx+1:]), `"`)
				} else {
					ext.params[strings.ToLower(p)] = ""
				}
			}
			offers = append(offers, ext)
		}
	}
	return offers
}

// findPMDOffer returns the last permessage-deflate offer in h, per the
// base design's "last offer wins" rule for multiple extension offers.
func findPMDOffer(h http.Header) (extensionOffer, bool) {
	var last extensionOffer
	found := false
	for _, ext := range parseExtensions(h) {
		if ext.name == "permessage-deflate" {
			last = ext
			found = true
		}
	}
	return last, found
}

// negotiateServerPMD builds the server's response parameters from a
// client offer: the server always asks for its own no-context-takeover
// (bounding memory), each direction's window bits are narrowed to the value
// the offer gives for that direction (never above 15), and a
// client_no_context_takeover offer is acknowledged verbatim. The two
// window-bits values are not folded to a common minimum.
func negotiateServerPMD(offer extensionOffer) websocket.PMDConfig {
	cfg := websocket.PMDConfig{ServerMaxWindowBits: 15, ClientMaxWindowBits: 15, ServerNoContextTakeover: true}
	if _, ok := offer.params["client_no_context_takeover"]; ok {
		cfg.ClientNoContextTakeover = true
	}
	if v, ok := offer.params["client_max_window_bits"]; ok {
		if bits := parseWindowBits(v); bits > 0 && bits < cfg.ClientMaxWindowBits {
			cfg.ClientMaxWindowBits = bits
		}
	}
	if v, ok := offer.params["server_max_window_bits"]; ok {
		if bits := parseWindowBits(v); bits > 0 && bits < cfg.ServerMaxWindowBits {
			cfg.ServerMaxWindowBits = bits
		}
	}
	return cfg
}

func parseWindowBits(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	if n < 8 || n > 15 {
		return 0
	}
	return n
}

func formatPMDParams(cfg websocket.PMDConfig) string {
	var parts []string
	if cfg.ServerNoContextTakeover {
		parts = append(parts, "server_no_context_takeover")
	}
	if cfg.ClientNoContextTakeover {
		parts = append(parts, "client_no_context_takeover")
	}
	if len(parts) == 0 {
		return ""
	}
	return "; " + strings.Join(parts, "; ")
}

// negotiatedClientPMD inspects the server's response for a
// permessage-deflate acceptance and resolves the final parameters; nil
// means the extension was not negotiated and the Codec runs uncompressed.
func negotiatedClientPMD(h http.Header, requested bool) *websocket.PMDConfig {
	if !requested {
		return nil
	}
	offer, ok := findPMDOffer(h)
	if !ok {
		return nil
	}
	cfg := negotiateServerPMD(offer)
	return &cfg
}

// hijackedStream adapts a hijacked net.Conn plus its buffered
// *bufio.ReadWriter (which may already hold bytes the HTTP server
// read ahead during the handshake) to websocket.SplittableStream.
type hijackedStream struct {
	net.Conn
	br *bufio.Reader
}

func newHijackedStream(conn net.Conn, brw *bufio.ReadWriter) websocket.SplittableStream {
	s := &hijackedStream{Conn: conn}
	if brw != nil && brw.Reader.Buffered() > 0 {
		s.br = brw.Reader
	}
	return s
}

func (s *hijackedStream) Read(p []byte) (int, error) {
	if s.br != nil {
		return s.br.Read(p)
	}
	return s.Conn.Read(p)
}

func (*hijackedStream) Flush() error { return nil }

func (s *hijackedStream) Split() (io.ReadCloser, io.WriteCloser) {
	return hijackedReadHalf{s}, hijackedWriteHalf{s.Conn}
}

type hijackedReadHalf struct{ *hijackedStream }

func (h hijackedReadHalf) Close() error { return h.Conn.Close() }

type hijackedWriteHalf struct{ net.Conn }

func (h hijackedWriteHalf) Close() error { return h.Conn.Close() }

// readWriteCloserConn adapts an io.ReadWriteCloser (as exposed by an
// http.Response.Body on a hijacked HTTP/1.1 upgrade transport) to net.Conn
// so it can flow through websocket.NewNetConnStream. Deadline methods are
// no-ops: the underlying transport does not expose them post-hijack.
type readWriteCloserConn struct {
	io.ReadWriteCloser
}

func (readWriteCloserConn) LocalAddr() net.Addr                { return nil }
func (readWriteCloserConn) RemoteAddr() net.Addr                { return nil }
func (readWriteCloserConn) SetDeadline(time.Time) error         { return nil }
func (readWriteCloserConn) SetReadDeadline(time.Time) error     { return nil }
func (readWriteCloserConn) SetWriteDeadline(time.Time) error    { return nil }
