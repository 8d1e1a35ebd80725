package connector

import (
	"errors"
	"fmt"
	"strconv"
)

// PermanentError marks a failure that no retry can fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the orchestrator fails the step without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf formats a permanent error.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err was marked as non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// UnknownAction is returned by connectors for unsupported action names.
func UnknownAction(connectorName, action string) error {
	return Permanentf("%s: unsupported action %q", connectorName, action)
}

func stringParam(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func requireParams(connectorName, action string, params map[string]any, keys ...string) error {
	for _, k := range keys {
		if stringParam(params, k) == "" {
			return Permanentf("%s.%s: %s is required", connectorName, action, k)
		}
	}
	return nil
}
