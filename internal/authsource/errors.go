package authsource

import "fmt"

// MappingError reports a descriptor that could not be turned into an LdapAuthConfig.
// The descriptor is skipped; other descriptors are unaffected.
type MappingError struct {
	// Index is the position in the attribute, or -1 when unknown.
	Index  int
	Type   string
	Reason string
	Err    error
}

func (e *MappingError) Error() string {
	msg := fmt.Sprintf("auth source (type %q): %s", e.Type, e.Reason)
	if e.Index >= 0 {
		msg = fmt.Sprintf("auth source %d (type %q): %s", e.Index, e.Type, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MappingError) Unwrap() error {
	return e.Err
}
