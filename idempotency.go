// Idempotency-key middleware for chi and standard http.Handler.
//
// Requests carrying an idempotency key header run at most once per key. The first request
// executes the handler and its response (status, handler-set headers, body) is stored;
// retries with the same key, caller and body get that response back with
// Idempotent-Replayed: true instead of running the handler again.
//
//	st := store.NewIdempotencyMemory[reqguard.CachedResponse]()
//	defer st.Close()
//	guard := idempotency.NewGuard[reqguard.CachedResponse](st)
//
//	r.Use(reqguard.Handler())
//	r.With(reqguard.NewIdempotency(guard).Handler).Post("/payments", createPayment)
//
// Reusing a key for a different request returns 409 idempotency_error/key_conflict. A retry
// arriving while the first request still runs returns 409
// idempotency_error/request_in_progress with Retry-After: 1. Responses with status >= 500
// are not stored, so clients can retry them.

package reqguard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"

	"github.com/nhalm/reqguard/identity"
	"github.com/nhalm/reqguard/idempotency"
)

const (
	// DefaultIdempotencyHeader carries the client-supplied key.
	DefaultIdempotencyHeader = "X-Idempotency-Key"

	// HeaderIdempotentReplayed marks a response served from the idempotency store.
	HeaderIdempotentReplayed = "Idempotent-Replayed"

	// MaxIdempotencyKeyLength is the longest key accepted, in bytes.
	MaxIdempotencyKeyLength = 255
)

// CachedResponse is the response stored for an idempotency key.
type CachedResponse struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

// Idempotency implements idempotency-key middleware.
type Idempotency struct {
	guard       *idempotency.Guard[CachedResponse]
	header      string
	maxBodySize int64
}

// IdempotencyOption configures Idempotency middleware.
type IdempotencyOption func(*Idempotency)

// IdempotencyWithHeader sets the header carrying the key (default X-Idempotency-Key).
func IdempotencyWithHeader(name string) IdempotencyOption {
	return func(i *Idempotency) {
		i.header = name
	}
}

// IdempotencyWithMaxBodySize limits how much of the request body is read for
// fingerprinting. Larger bodies are rejected with 413. Zero means no limit.
func IdempotencyWithMaxBodySize(n int64) IdempotencyOption {
	return func(i *Idempotency) {
		i.maxBodySize = n
	}
}

// NewIdempotency creates idempotency middleware backed by guard.
func NewIdempotency(guard *idempotency.Guard[CachedResponse], opts ...IdempotencyOption) *Idempotency {
	i := &Idempotency{
		guard:  guard,
		header: DefaultIdempotencyHeader,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Handler returns the idempotency middleware. Requests without a key pass straight through.
func (i *Idempotency) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(i.header)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		useWrapper := HasState(ctx)

		if len(key) > MaxIdempotencyKeyLength {
			msg := fmt.Sprintf("Idempotency key must be at most %d bytes", MaxIdempotencyKeyLength)
			if useWrapper {
				SetError(r, ErrBadRequest.WithParam(msg, i.header))
			} else {
				http.Error(w, msg, http.StatusBadRequest)
			}
			return
		}

		body, apiErr := i.readBody(w, r)
		if apiErr != nil {
			if useWrapper {
				SetError(r, apiErr)
			} else {
				http.Error(w, apiErr.Message, apiErr.Status)
			}
			return
		}

		fp := idempotency.Fingerprint(fingerprintInput(r, body), identity.Caller(ctx))

		out, err := i.guard.Do(ctx, key, fp, func(context.Context) (CachedResponse, int, error) {
			if useWrapper {
				return executeWithState(next, w, r)
			}
			return executeDirect(next, w, r)
		})

		annotate(ctx, map[string]any{
			"idempotency_key":     key,
			"idempotent_replayed": err == nil && out.Cached,
		})

		if err != nil {
			i.writeError(w, r, err, useWrapper)
			return
		}
		if !out.Cached {
			return
		}

		replay(w, r, out.Response, useWrapper)
	})
}

func (i *Idempotency) readBody(w http.ResponseWriter, r *http.Request) ([]byte, *APIError) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}

	src := r.Body
	if i.maxBodySize > 0 {
		src = http.MaxBytesReader(w, r.Body, i.maxBodySize)
	}

	body, err := io.ReadAll(src)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, ErrPayloadTooLarge.With("Request body too large")
		}
		return nil, ErrBadRequest.With("Failed to read request body")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func (i *Idempotency) writeError(w http.ResponseWriter, r *http.Request, err error, useWrapper bool) {
	var apiErr *APIError
	switch {
	case errors.Is(err, idempotency.ErrKeyConflict):
		apiErr = ErrIdempotencyConflict.WithParam(ErrIdempotencyConflict.Message, i.header)
	case errors.Is(err, idempotency.ErrConcurrentRequest):
		apiErr = ErrIdempotencyInProgress.WithParam(ErrIdempotencyInProgress.Message, i.header)
		if useWrapper {
			SetHeader(r, "Retry-After", retryAfterHeader(1))
		} else {
			w.Header().Set("Retry-After", retryAfterHeader(1))
		}
	default:
		annotate(r.Context(), map[string]any{"idempotency_error": err.Error()})
		apiErr = ErrInternal.With("Idempotency check failed")
	}

	if useWrapper {
		SetError(r, apiErr)
		return
	}
	writeJSON(w, apiErr.Status, errorResponse{Error: apiErr})
}

// fingerprintInput binds the body to the method and path, so a key reused on another
// endpoint is a conflict rather than a replay.
func fingerprintInput(r *http.Request, body []byte) []byte {
	buf := make([]byte, 0, len(r.Method)+1+len(r.URL.Path)+1+len(body))
	buf = append(buf, r.Method...)
	buf = append(buf, ' ')
	buf = append(buf, r.URL.Path...)
	buf = append(buf, '\n')
	return append(buf, body...)
}

// executeWithState runs next and captures what it left in the Handler state. A handler
// that wrote to the ResponseWriter itself is captured from the writer instead.
func executeWithState(next http.Handler, w http.ResponseWriter, r *http.Request) (CachedResponse, int, error) {
	state := getState(r.Context())
	before := state.snapshot().headers

	cw := newCaptureWriter(w)
	next.ServeHTTP(cw, r)
	if cw.status != 0 {
		resp := cw.response()
		return resp, resp.Status, nil
	}

	snap := state.snapshot()
	resp := CachedResponse{
		Status: snap.status,
		Header: headerDiff(before, snap.headers),
	}

	var err error
	switch {
	case snap.err != nil:
		resp.Status = snap.err.Status
		resp.Body, err = encodeJSON(errorResponse{Error: snap.err})
	case snap.raw != nil:
		resp.Body = snap.raw
	case snap.body != nil:
		resp.Body, err = encodeJSON(snap.body)
	}
	if err != nil {
		return CachedResponse{}, 0, fmt.Errorf("encode response: %w", err)
	}

	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	return resp, resp.Status, nil
}

// executeDirect runs next against a writer that records the response as it streams out.
func executeDirect(next http.Handler, w http.ResponseWriter, r *http.Request) (CachedResponse, int, error) {
	cw := newCaptureWriter(w)
	next.ServeHTTP(cw, r)

	resp := cw.response()
	return resp, resp.Status, nil
}

func replay(w http.ResponseWriter, r *http.Request, resp CachedResponse, useWrapper bool) {
	if useWrapper {
		getState(r.Context()).setRaw(resp.Status, resp.Body, resp.Header)
		SetHeader(r, HeaderIdempotentReplayed, "true")
		return
	}

	for key, values := range resp.Header {
		w.Header()[key] = slices.Clone(values)
	}
	w.Header().Set(HeaderIdempotentReplayed, "true")
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// headerDiff returns the headers in after that are new or changed relative to before.
func headerDiff(before, after http.Header) http.Header {
	var out http.Header
	for key, values := range after {
		if slices.Equal(before[key], values) {
			continue
		}
		if out == nil {
			out = make(http.Header)
		}
		out[key] = slices.Clone(values)
	}
	return out
}

// captureWriter tees the response into a buffer.
type captureWriter struct {
	http.ResponseWriter
	before http.Header
	header http.Header
	status int
	buf    bytes.Buffer
}

func newCaptureWriter(w http.ResponseWriter) *captureWriter {
	return &captureWriter{ResponseWriter: w, before: w.Header().Clone()}
}

func (c *captureWriter) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
		c.header = c.ResponseWriter.Header().Clone()
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.WriteHeader(http.StatusOK)
	}
	c.buf.Write(b)
	return c.ResponseWriter.Write(b)
}

func (c *captureWriter) Flush() {
	if c.status == 0 {
		c.WriteHeader(http.StatusOK)
	}
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (c *captureWriter) Unwrap() http.ResponseWriter {
	return c.ResponseWriter
}

// response is what the handler sent, with only the headers it added.
func (c *captureWriter) response() CachedResponse {
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	header := c.header
	if header == nil {
		header = c.ResponseWriter.Header().Clone()
	}
	return CachedResponse{
		Status: status,
		Header: headerDiff(c.before, header),
		Body:   c.buf.Bytes(),
	}
}
