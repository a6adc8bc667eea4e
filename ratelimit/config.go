package ratelimit

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidConfig is returned for a Config that fails validation.
var ErrInvalidConfig = errors.New("ratelimit: invalid config")

// IdentifierType selects how a request is attributed to a caller.
type IdentifierType string

const (
	ByIP      IdentifierType = "ip"
	ByUser    IdentifierType = "user"
	BySession IdentifierType = "session"
	ByAPIKey  IdentifierType = "api_key"
)

// Config describes one limit.
type Config struct {
	// Name optionally namespaces the store key and is used as the metrics scope.
	Name string `yaml:"name"`

	// Limit is the maximum number of requests admitted within Window.
	Limit int `yaml:"limit" validate:"min=1"`

	// Window is the trailing window length.
	Window time.Duration `yaml:"window" validate:"min=1s"`

	// IdentifierType selects the identifier when Identifier is nil or returns "".
	IdentifierType IdentifierType `yaml:"identifier" validate:"omitempty,oneof=ip user session api_key"`

	// Identifier is an optional custom extractor. A non-empty return value wins over
	// IdentifierType.
	Identifier func(*http.Request) string `yaml:"-"`
}

var validate = validator.New()

// Validate checks the limit, window and identifier type.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Presets. These are configuration data; every one runs the same algorithm.
var (
	// Standard is a general API limit: 100 requests per minute per IP.
	Standard = Config{Name: "standard", Limit: 100, Window: time.Minute, IdentifierType: ByIP}

	// Strict protects sensitive endpoints such as login: 10 per minute per IP.
	Strict = Config{Name: "strict", Limit: 10, Window: time.Minute, IdentifierType: ByIP}

	// Authenticated is for signed-in callers: 500 per minute per user.
	Authenticated = Config{Name: "authenticated", Limit: 500, Window: time.Minute, IdentifierType: ByUser}

	// LLMIntensive guards expensive model calls: 20 per minute per user.
	LLMIntensive = Config{Name: "llm-intensive", Limit: 20, Window: time.Minute, IdentifierType: ByUser}

	// Burst absorbs short spikes: 30 per 10 seconds per IP.
	Burst = Config{Name: "burst", Limit: 30, Window: 10 * time.Second, IdentifierType: ByIP}
)

var presets = map[string]Config{
	Standard.Name:      Standard,
	Strict.Name:        Strict,
	Authenticated.Name: Authenticated,
	LLMIntensive.Name:  LLMIntensive,
	Burst.Name:         Burst,
}

// Preset returns the named preset.
func Preset(name string) (Config, bool) {
	c, ok := presets[name]
	return c, ok
}

// PresetNames returns the preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
