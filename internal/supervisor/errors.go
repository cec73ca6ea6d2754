package supervisor

import (
	"errors"
	"strings"

	"github.com/loykin/edgevisor/internal/service"
)

var ErrUnknownService = errors.New("unknown service")

// ConfigurationError lists every problem found while building a supervisor.
// Nothing is spawned when it is returned.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.Join(e.Problems, "; ")
}

// Unwrap lets callers test for service.ErrInvalidConfig.
func (e *ConfigurationError) Unwrap() error { return service.ErrInvalidConfig }
