package playbook

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies configuration failures.
type ErrorKind string

const (
	KindInvalidTrigger  ErrorKind = "InvalidTrigger"
	KindInvalidAction   ErrorKind = "InvalidAction"
	KindSchemaViolation ErrorKind = "SchemaViolation"
)

var (
	ErrInvalidTrigger  = errors.New("invalid trigger")
	ErrInvalidAction   = errors.New("invalid action")
	ErrSchemaViolation = errors.New("schema violation")
)

// ConfigError pinpoints the offending entry of a playbook document.
// Playbook and Item are -1 when not applicable.
type ConfigError struct {
	Kind     ErrorKind
	Playbook int
	Item     int
	Field    string
	Msg      string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path(), e.Msg)
}

// Path renders the location, e.g. customPlaybooks[1].actions[0].image.
func (e *ConfigError) Path() string {
	var b strings.Builder
	b.WriteString("customPlaybooks")
	if e.Playbook >= 0 {
		fmt.Fprintf(&b, "[%d]", e.Playbook)
	}
	section := ""
	switch e.Kind {
	case KindInvalidTrigger:
		section = "triggers"
	case KindInvalidAction:
		section = "actions"
	}
	if section != "" && e.Item >= 0 {
		fmt.Fprintf(&b, ".%s[%d]", section, e.Item)
	}
	if e.Field != "" {
		b.WriteByte('.')
		b.WriteString(e.Field)
	}
	return b.String()
}

func (e *ConfigError) Is(target error) bool {
	switch e.Kind {
	case KindInvalidTrigger:
		return target == ErrInvalidTrigger
	case KindInvalidAction:
		return target == ErrInvalidAction
	case KindSchemaViolation:
		return target == ErrSchemaViolation
	}
	return false
}

// fieldError is returned by trigger and action parsers; the loader wraps it
// into a ConfigError carrying the indices.
type fieldError struct {
	field string
	msg   string
}

func (e *fieldError) Error() string { return e.field + ": " + e.msg }

func fieldErr(field, format string, args ...any) error {
	return &fieldError{field: field, msg: fmt.Sprintf(format, args...)}
}
