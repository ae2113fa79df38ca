package resolve

import "fmt"

// ValidationError reports a configuration file that could not be turned into
// a desired entity.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration file %s: %s", e.Path, e.Reason)
}

// UnsupportedKindError reports a configuration file declaring a kind crsyncd
// does not manage.
type UnsupportedKindError struct {
	Path string
	Kind string
}

func (e *UnsupportedKindError) Error() string {
	return fmt.Sprintf("unsupported kind %q in %s", e.Kind, e.Path)
}

func invalid(path, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Path: path, Reason: fmt.Sprintf(format, args...)}
}
