package handlers

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/imrishuroy/go-orderwindow/internal/apperr"
	"github.com/imrishuroy/go-orderwindow/internal/idempotency"
)

// IdempotencyHeader is the optional client key on modification requests.
const IdempotencyHeader = "Idempotency-Key"

const maxIdempotencyKeyLen = 255

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	stop     chan struct{}
	once     sync.Once
}

// NewRateLimiter starts a limiter allowing rps requests per second per client
// with the given burst. Idle clients are forgotten after three minutes.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(rps),
		burst:    burst,
		stop:     make(chan struct{}),
	}
	go rl.cleanupVisitors()
	return rl
}

// Close stops the cleanup loop.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(rl.limit, rl.burst)
		rl.visitors[ip] = &visitor{limiter, time.Now()}
		return limiter
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (rl *RateLimiter) cleanupVisitors() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			for ip, v := range rl.visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Middleware rejects clients over their budget with 429.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.getVisitor(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{
				Code:    "RATE_LIMITED",
				Message: "too many requests",
			})
			return
		}
		c.Next()
	}
}

// IdempotencyStore claims and completes client idempotency keys.
type IdempotencyStore interface {
	Begin(ctx context.Context, key, fingerprint, orderID string) (*idempotency.IdempotencyRecord, error)
	MarkDone(ctx context.Context, key, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, key, responseBody string, responseStatus int, note string) error
	Release(ctx context.Context, key string) error
}

// capturingWriter keeps a copy of the response body for replay.
type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *capturingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// idempotent replays completed requests that carry the same Idempotency-Key
// for the same order and operation. Responses below 500 and critical
// mismatches are stored; any other server error releases the key so the
// client can retry.
func idempotent(store IdempotencyStore, op string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := c.GetHeader(IdempotencyHeader)
		if store == nil || clientKey == "" {
			c.Next()
			return
		}
		if len(clientKey) > maxIdempotencyKeyLen {
			writeError(c, logger, &apperr.InvalidInputError{Field: IdempotencyHeader, Reason: "too long"})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			writeError(c, logger, &apperr.InvalidInputError{Field: "body", Reason: "unreadable request body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		ctx := c.Request.Context()
		orderID := c.Param("id")
		key := idempotency.ScopedKey(orderID, op, clientKey)

		rec, err := store.Begin(ctx, key, idempotency.Fingerprint(body), orderID)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		if rec != nil {
			c.Header("Idempotent-Replayed", "true")
			c.Data(rec.ResponseStatus, "application/json; charset=utf-8", []byte(rec.ResponseBody))
			c.Abort()
			return
		}

		w := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		// the client may be gone; the key must still be settled
		ctx = context.WithoutCancel(ctx)
		status := w.Status()
		switch {
		case status < http.StatusInternalServerError:
			err = store.MarkDone(ctx, key, w.body.String(), status)
		case critical(c):
			err = store.MarkFailed(ctx, key, w.body.String(), status, c.Errors.Last().Error())
		default:
			err = store.Release(ctx, key)
		}
		if err != nil {
			logger.ErrorContext(ctx, "settle idempotency key failed", "key", key, "status", status, "error", err)
		}
	}
}

func critical(c *gin.Context) bool {
	last := c.Errors.Last()
	return last != nil && apperr.KindOf(last.Err) == apperr.KindCritical
}
