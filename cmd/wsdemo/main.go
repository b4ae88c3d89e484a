// Command wsdemo runs a WebSocket echo server: a bare net/http.ServeMux
// fronting the upgrade endpoint with request correlation, panic recovery,
// and a permissive CORS header, then driving the codec end to end.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitalvas/wsflate/websocket"
	"github.com/vitalvas/wsflate/wshandshake"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	compress := flag.Bool("compress", true, "negotiate permessage-deflate")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/echo", echoHandler(logger, *compress))
	mux.HandleFunc("/healthz", healthHandler)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           recoverMiddleware(logger, requestIDMiddleware(mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info().Str("addr", *addr).Msg("starting wsdemo")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type requestIDKey struct{}

// requestIDMiddleware stamps every request with a correlation ID, reusing
// google/uuid the same way codec.go does for a Codec's ConnID — here the
// ID ties the HTTP upgrade request to the zerologAdapter events the
// resulting connection later logs.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// recoverMiddleware stops a panicking handler from taking down the whole
// listener. A recovered panic is logged and answered with a 500. On a
// hijacked connection (the websocket upgrade path) net/http refuses that
// write, so only the log entry remains; the connection is not closed here.
func recoverMiddleware(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error().
					Str("path", r.URL.Path).
					Interface("panic", err).
					Msg("recovered from panic")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// zerologAdapter backs websocket.Logger with a *zerolog.Logger so codec
// diagnostics flow through the same structured sink as the HTTP access
// logging above.
type zerologAdapter struct {
	l           zerolog.Logger
	connID      string
	requestPath string
}

func (a zerologAdapter) event(e *zerolog.Event, msg string, keyvals []any) {
	e = e.Str("conn_id", a.connID).Str("path", a.requestPath)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, keyvals[i+1])
	}
	e.Msg(msg)
}

func (a zerologAdapter) Debug(msg string, keyvals ...any) { a.event(a.l.Debug(), msg, keyvals) }
func (a zerologAdapter) Warn(msg string, keyvals ...any)  { a.event(a.l.Warn(), msg, keyvals) }
func (a zerologAdapter) Error(msg string, keyvals ...any) { a.event(a.l.Error(), msg, keyvals) }

func echoHandler(logger zerolog.Logger, compress bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Websocket connections are long-lived and cross-origin by nature
		// (a browser page on one origin opening a socket to this server);
		// reflect rather than reject, matching wshandshake's own
		// same-origin-by-default posture being explicitly opted out of here
		// for a public demo endpoint.
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		reqID := requestIDFromContext(r.Context())

		codec, err := wshandshake.NewServerCodec(w, r, wshandshake.ServerConfig{
			EnableCompression: compress,
			HandshakeTimeout:  5 * time.Second,
			CheckOrigin:       func(*http.Request) bool { return true },
		})
		if err != nil {
			logger.Warn().Err(err).Str("request_id", reqID).Msg("websocket upgrade failed")
			return
		}

		adapter := zerologAdapter{l: logger, connID: codec.ConnID().String(), requestPath: r.URL.Path}
		codec.SetLogger(adapter)

		adapter.Debug("connection opened", "request_id", reqID)
		defer adapter.Debug("connection closed")

		for {
			header, payload, err := codec.Receive()
			if err != nil {
				adapter.Warn("receive failed", "error", err.Error())
				return
			}

			switch header.Opcode {
			case websocket.OpClose:
				code, _ := websocket.ParseCloseMessage(payload)
				adapter.Debug("peer closed", "code", code)
				return
			case websocket.OpText, websocket.OpBinary:
				if err := codec.Send(header.Opcode, payload); err != nil {
					adapter.Warn("send failed", "error", err.Error())
					return
				}
			case websocket.OpPing:
				if err := codec.Pong(payload); err != nil {
					adapter.Warn("pong failed", "error", err.Error())
					return
				}
			}
		}
	}
}
