package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nhalm/reqguard"
	"github.com/nhalm/reqguard/identity"
)

type createStoryRequest struct {
	Title  string `json:"title" validate:"required,max=200"`
	Prompt string `json:"prompt" validate:"required,max=4000"`
}

type story struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Prompt    string    `json:"prompt"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// storyService stands in for the downstream story generator. Creating a story is the
// expensive, non-repeatable operation the idempotency layer protects.
type storyService struct {
	mu      sync.RWMutex
	stories map[string]story
}

func newStoryService() *storyService {
	return &storyService{stories: make(map[string]story)}
}

func (s *storyService) create(_ http.ResponseWriter, r *http.Request) {
	var req createStoryRequest
	if !reqguard.JSON(r, &req) {
		return
	}

	st := story{
		ID:        uuid.NewString(),
		Title:     req.Title,
		Prompt:    req.Prompt,
		Author:    identity.Caller(r.Context()),
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.stories[st.ID] = st
	s.mu.Unlock()

	reqguard.SetHeader(r, "Location", "/api/stories/"+st.ID)
	reqguard.SetResponse(r, http.StatusCreated, st)
}

func (s *storyService) get(_ http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.RLock()
	st, ok := s.stories[id]
	s.mu.RUnlock()

	if !ok {
		reqguard.SetError(r, reqguard.ErrNotFound.With("Story not found"))
		return
	}
	reqguard.SetResponse(r, http.StatusOK, st)
}

func (s *storyService) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stories)
}
