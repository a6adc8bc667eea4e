package reqguard

import (
	"maps"
	"net/http"
	"slices"
)

// update runs fn on the request's State while holding its lock. It reports false, without
// calling fn, when Handler is not present.
func update(r *http.Request, fn func(*State)) bool {
	state := getState(r.Context())
	if state == nil {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	fn(state)
	return true
}

// SetError sets an error response in the request context. An error wins over any
// response set with SetResponse.
// If Handler is not present this is a no-op; use HasState to check.
func SetError(r *http.Request, err *APIError) {
	update(r, func(s *State) { s.err = err })
}

// SetResponse sets a success response in the request context. The body is encoded as JSON;
// a nil body writes the status alone.
// If Handler is not present this is a no-op; use HasState to check.
func SetResponse(r *http.Request, status int, body any) {
	update(r, func(s *State) {
		s.status = status
		s.body = body
	})
}

// SetHeader sets a response header in the request context.
// If Handler is not present this is a no-op; use HasState to check.
func SetHeader(r *http.Request, key, value string) {
	update(r, func(s *State) {
		if s.headers == nil {
			s.headers = make(http.Header)
		}
		s.headers.Set(key, value)
	})
}

// setHeaders copies h into the request context, or straight onto w when Handler is not
// present.
func setHeaders(w http.ResponseWriter, r *http.Request, h http.Header) {
	if len(h) == 0 {
		return
	}
	stored := update(r, func(s *State) {
		if s.headers == nil {
			s.headers = make(http.Header, len(h))
		}
		for key, values := range h {
			s.headers[key] = slices.Clone(values)
		}
	})
	if !stored {
		maps.Copy(w.Header(), h)
	}
}
