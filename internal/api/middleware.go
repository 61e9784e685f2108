package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/zulandar/parley/internal/metrics"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Signature"

// Sign returns the signature value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature rejects webhook requests whose X-Signature does not match
// the body. The body is restored for the handler.
func verifySignature(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			abort(c, http.StatusBadRequest, "malformed", "unreadable body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))

		provided, err := hex.DecodeString(strings.TrimSpace(c.GetHeader(SignatureHeader)))
		if err != nil || len(provided) == 0 {
			abort(c, http.StatusUnauthorized, "bad_signature", "missing or malformed "+SignatureHeader)
			return
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(raw)
		if !hmac.Equal(mac.Sum(nil), provided) {
			abort(c, http.StatusUnauthorized, "bad_signature", "signature mismatch")
			return
		}
		c.Next()
	}
}

// observe records request metrics and logs each request.
func observe(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		took := time.Since(start)
		metrics.RequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		metrics.RequestDuration.WithLabelValues(c.Request.Method, route).Observe(took.Seconds())

		ev := log.Debug()
		if status >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("took", took).
			Msg("request")
	}
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": msg})
}
