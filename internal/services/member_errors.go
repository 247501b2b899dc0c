package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel causes carried by a *ValidationError. Match them with errors.Is.
var (
	ErrDuplicateMember       = errors.New("member already exists")
	ErrPendingInviteConflict = errors.New("pending invite request exists")
	ErrForbiddenRole         = errors.New("role not allowed for caller")
	ErrInvalidTeam           = errors.New("invalid team")
	ErrInvalidField          = errors.New("invalid field")
)

// ValidationError collects every field error of a request. It is returned before
// anything is written.
type ValidationError struct {
	Fields map[string][]string
	causes []error
}

func (e *ValidationError) add(field, msg string, cause error) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], msg)
	e.causes = append(e.causes, cause)
}

func (e *ValidationError) empty() bool {
	return len(e.Fields) == 0
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, strings.Join(e.Fields[k], "; ")))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// Unwrap exposes the sentinel causes to errors.Is
func (e *ValidationError) Unwrap() []error {
	return e.causes
}

// PermissionError is a 403: the caller may not perform the operation at all
type PermissionError struct {
	Field   string
	Message string
}

func (e *PermissionError) Error() string {
	return e.Message
}

// TeamAssignmentError means the member was created but its teams were not assigned.
// Err wraps lock.ErrLockTimeout when the member lock could not be taken in time.
type TeamAssignmentError struct {
	MemberID string
	Err      error
}

func (e *TeamAssignmentError) Error() string {
	return fmt.Sprintf("team assignment for member %s failed: %v", e.MemberID, e.Err)
}

func (e *TeamAssignmentError) Unwrap() error {
	return e.Err
}
