// Package httplog provides the request-logging middleware shared by the HKP
// and REST adapters. Generalized from the teacher's pkg/hkpserver/log.go.
package httplog

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// responseWriter wraps an http.ResponseWriter to intercept the status code
// and response size written by a handler.
type responseWriter struct {
	http.ResponseWriter
	code int
	size int
}

func (lw *responseWriter) WriteHeader(code int) {
	lw.code = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *responseWriter) Write(b []byte) (int, error) {
	n, err := lw.ResponseWriter.Write(b)
	lw.size += n
	return n, err
}

// remoteIP attempts to find the remote IP associated with a request,
// preferring the usual reverse-proxy headers over the socket address.
func remoteIP(req *http.Request) string {
	realIP := req.Header.Get("X-Real-Ip")
	forwardedFor := req.Header.Get("X-Forwarded-For")
	if realIP == "" && forwardedFor == "" {
		ip, _, _ := net.SplitHostPort(req.RemoteAddr)
		return ip
	} else if forwardedFor != "" {
		parts := strings.Split(forwardedFor, ",")
		return strings.TrimSpace(parts[0])
	}
	return realIP
}

// Handler wraps h, logging one structured entry per request.
func Handler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		lw := &responseWriter{w, http.StatusOK, 0}
		h.ServeHTTP(lw, r)

		logrus.WithFields(logrus.Fields{
			"remote":  remoteIP(r),
			"code":    lw.code,
			"size":    lw.size,
			"host":    r.Host,
			"method":  r.Method,
			"path":    r.RequestURI,
			"referer": r.Referer(),
			"agent":   r.UserAgent(),
			"took":    time.Since(start),
		}).Info("http request")
	})
}
