package config

import (
	"fmt"
	"strings"

	"github.com/amoylab/timerbridge/internal/common/cnst"
)

// ValidationError represents a single configuration problem
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found in one pass
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	var sb strings.Builder
	for i, err := range e {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("--> ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Validate checks the bridge configuration after defaults are applied
func (c *BridgeConfig) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if !validPort(c.Port) {
		add("port", "%v %d", cnst.ErrInvalidPort, c.Port)
	}
	if !validPort(c.Upstream.DefaultPort) {
		add("upstream.default_port", "%v %d", cnst.ErrInvalidPort, c.Upstream.DefaultPort)
	}
	if _, err := ParseTarget(c.Upstream.Target, c.Upstream.DefaultPort, c.Upstream.Path); err != nil {
		add("upstream.target", "%v", err)
	}

	switch c.Session.Type {
	case "memory":
	case "redis":
		if c.Session.Redis.Addr == "" {
			add("session.redis.addr", "required for redis sessions")
		}
		// live sessions renew their registration on every ping
		if c.Session.Redis.TTL <= c.Session.PingInterval {
			add("session.redis.ttl", "must be longer than session.ping_interval (%s)", c.Session.PingInterval)
		}
	default:
		add("session.type", "unsupported session type %q", c.Session.Type)
	}

	if !c.Notification.Fanout.Valid() {
		add("notification.fanout", "%v %q", cnst.ErrUnsupportedFanout, c.Notification.Fanout)
	}

	switch c.Storage.Type {
	case "memory":
	case "db":
		switch c.Storage.Database.Type {
		case "sqlite", "postgres", "mysql":
		default:
			add("storage.database.type", "unsupported database type %q", c.Storage.Database.Type)
		}
	default:
		add("storage.type", "unsupported storage type %q", c.Storage.Type)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			add("tracing.protocol", "unsupported protocol %q", c.Tracing.Protocol)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Validate checks the mock timer configuration after defaults are applied
func (c *MockTimerConfig) Validate() error {
	var errs ValidationErrors
	if !validPort(c.Port) {
		errs = append(errs, &ValidationError{Field: "port", Message: fmt.Sprintf("%v %d", cnst.ErrInvalidPort, c.Port)})
	}
	for i, f := range c.Frequencies {
		if f <= 0 {
			errs = append(errs, &ValidationError{
				Field:   fmt.Sprintf("frequencies[%d]", i),
				Message: fmt.Sprintf("frequency must be positive, got %d", f),
			})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
