// Request body binding with validation.
//
// JSON decodes a request body and validates it with go-playground/validator struct tags.
// Field errors are reported by their json name.

package reqguard

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			if name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]; name != "" && name != "-" {
				return name
			}
			return fld.Name
		})
	})
	return validate
}

// JSON decodes the request body into dest and validates it.
// Returns true on success. On failure it sets 400 (invalid JSON or validation errors) or
// 413 (body over a MaxBodySize limit) through SetError, when Handler is present.
func JSON(r *http.Request, dest any) bool {
	ctx := r.Context()

	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		if HasState(ctx) {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				SetError(r, ErrPayloadTooLarge.With("Request body too large"))
			} else {
				SetError(r, ErrBadRequest.With("Invalid JSON request body"))
			}
		}
		return false
	}

	if err := validatorInstance().Struct(dest); err != nil {
		if HasState(ctx) {
			SetError(r, NewValidationError(fieldErrors(err)))
		}
		return false
	}

	return true
}

// FieldError is a validation failure for one request field. Param is the json name.
type FieldError struct {
	Param   string `json:"param"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewValidationError returns a 400 validation_error carrying the field errors.
func NewValidationError(fields []FieldError) *APIError {
	e := newAPIError(http.StatusBadRequest, typeValidation, "invalid_request", "Validation failed")
	e.Errors = fields
	return e
}

func fieldErrors(err error) []FieldError {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return []FieldError{{Code: "validation", Message: err.Error()}}
	}
	result := make([]FieldError, len(errs))
	for i, e := range errs {
		result[i] = FieldError{
			Param:   e.Field(),
			Code:    e.Tag(),
			Message: fieldMessage(e.Tag(), e.Param()),
		}
	}
	return result
}

func fieldMessage(tag, param string) string {
	switch tag {
	case "required":
		return "required"
	case "min":
		return "must be at least " + param
	case "max":
		return "must be at most " + param
	case "oneof":
		return "must be one of: " + param
	default:
		if param != "" {
			return tag + "=" + param
		}
		return tag
	}
}

// MaxBodySize returns middleware that limits request body size.
//
// Requests whose Content-Length exceeds the limit are rejected with 413 before the
// handler runs. Every body is also wrapped with http.MaxBytesReader, so chunked or
// mislabelled bodies fail with 413 when JSON or the idempotency layer reads them.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				if HasState(r.Context()) {
					SetError(r, ErrPayloadTooLarge.With("Request body too large"))
				} else {
					http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
				}
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
