package ratelimit

import (
	"net/http"
	"strconv"
)

// Response header names.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Headers builds the informational headers for res. Reset is in epoch seconds.
// Retry-After is only present on a rejected result.
func Headers(res Result) http.Header {
	h := make(http.Header, 4)
	h.Set(HeaderLimit, strconv.FormatInt(res.Limit, 10))
	h.Set(HeaderRemaining, strconv.FormatInt(res.Remaining, 10))
	h.Set(HeaderReset, strconv.FormatInt(res.ResetAt.Unix(), 10))
	if !res.Success {
		h.Set(HeaderRetryAfter, strconv.FormatInt(res.RetryAfterSeconds(), 10))
	}
	return h
}
