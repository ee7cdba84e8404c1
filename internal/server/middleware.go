package server

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/babelcloud/gbox/packages/screen-bridge/internal/util"
	"github.com/pkg/errors"
)

type loggingResponseWriter struct {
	http.ResponseWriter
	status   int
	length   int
	hijacked bool
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

// Hijack lets the WebSocket upgrader take over the connection through the
// middleware.
func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http.Hijacker interface is not supported")
	}
	lw.hijacked = true
	lw.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)

		// upgraded requests return when the session ends
		util.GetLogger().Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.status,
			"bytes", lw.length,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
			"upgraded", lw.hijacked)
	})
}
