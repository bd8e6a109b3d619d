package middleware

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"
)

// IdempotencyHeader carries the client supplied key.
const IdempotencyHeader = "Idempotency-Key"

// IdempotentResponse is a stored reply to a keyed request.
type IdempotentResponse struct {
	Fingerprint string    `json:"fingerprint"`
	Status      int       `json:"status"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"stored_at"`
}

// IdempotencyStore persists responses by scoped key.
type IdempotencyStore interface {
	Load(ctx context.Context, key string) (*IdempotentResponse, bool, error)
	Save(ctx context.Context, key string, resp IdempotentResponse) error
}

// Idempotency replays the stored response when a caller repeats a mutating
// request with the same Idempotency-Key. Server errors are not stored so the
// request can be retried.
type Idempotency struct {
	store  IdempotencyStore
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewIdempotency wraps store.
func NewIdempotency(store IdempotencyStore, logger *slog.Logger) *Idempotency {
	if logger == nil {
		logger = slog.Default()
	}
	return &Idempotency{store: store, logger: logger, now: time.Now, inflight: make(map[string]struct{})}
}

// Middleware applies to POST requests carrying the header; everything else
// passes through.
func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
		if i == nil || raw == "" || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		if len(raw) > 128 {
			writeError(w, http.StatusBadRequest, "idempotency key too long")
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		key := scopeKey(r, raw)
		fingerprint := requestFingerprint(r, body)

		// Claim the key before the lookup so a request finishing in between
		// cannot be run twice.
		if !i.acquire(key) {
			writeError(w, http.StatusConflict, "request with this idempotency key is in progress")
			return
		}
		defer i.release(key)

		stored, ok, err := i.store.Load(r.Context(), key)
		if err != nil {
			i.logger.Error("idempotency lookup failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "idempotency store unavailable")
			return
		}
		if ok {
			if stored.Fingerprint != fingerprint {
				writeError(w, http.StatusUnprocessableEntity, "idempotency key reused with a different request")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(stored.Status)
			_, _ = w.Write(stored.Body)
			return
		}

		rec := &capturingWriter{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		if status >= http.StatusInternalServerError {
			return
		}
		if err := i.store.Save(context.WithoutCancel(r.Context()), key, IdempotentResponse{
			Fingerprint: fingerprint,
			Status:      status,
			Body:        rec.buf.Bytes(),
			StoredAt:    i.now().UTC(),
		}); err != nil {
			i.logger.Warn("idempotency save failed", slog.Any("error", err))
		}
	})
}

func (i *Idempotency) acquire(key string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, busy := i.inflight[key]; busy {
		return false
	}
	i.inflight[key] = struct{}{}
	return true
}

func (i *Idempotency) release(key string) {
	i.mu.Lock()
	delete(i.inflight, key)
	i.mu.Unlock()
}

// scopeKey keeps keys from different callers apart.
func scopeKey(r *http.Request, raw string) string {
	caller := "anonymous"
	if id, ok := UserID(r.Context()); ok {
		caller = id.String()
	}
	return caller + "|" + raw
}

func requestFingerprint(r *http.Request, body []byte) string {
	h := blake3.New(32, nil)
	_, _ = io.WriteString(h, r.Method+" "+r.URL.Path+"\n")
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type capturingWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (c *capturingWriter) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
	c.ResponseWriter.WriteHeader(status)
}

func (c *capturingWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.buf.Write(b)
	return c.ResponseWriter.Write(b)
}
