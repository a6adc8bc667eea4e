package reqguard

import (
	"context"
	"maps"
	"net/http"
	"sync"
)

type stateContextKey string

const stateKey stateContextKey = "reqguard_state"

// State holds the response for a request until Handler writes it.
type State struct {
	mu      sync.Mutex
	err     *APIError
	status  int
	body    any
	raw     []byte
	headers http.Header
}

// HasState returns true if Handler state exists in the context.
func HasState(ctx context.Context) bool {
	return getState(ctx) != nil
}

func getState(ctx context.Context) *State {
	state, _ := ctx.Value(stateKey).(*State)
	return state
}

// snapshot is a copy of the response held in State.
type snapshot struct {
	err     *APIError
	status  int
	body    any
	raw     []byte
	headers http.Header
}

func (s *State) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot{
		err:     s.err,
		status:  s.status,
		body:    s.body,
		raw:     s.raw,
		headers: s.headers.Clone(),
	}
}

// setRaw stores pre-encoded JSON as the response, replacing any body or error.
func (s *State) setRaw(status int, raw []byte, headers http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = nil
	s.body = nil
	s.status = status
	s.raw = raw
	if len(headers) > 0 {
		if s.headers == nil {
			s.headers = make(http.Header)
		}
		maps.Copy(s.headers, headers)
	}
}
