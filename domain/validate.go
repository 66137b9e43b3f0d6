package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	NameMinLen        = 2
	NameMaxLen        = 100
	CommandMinLen     = 1
	CommandMaxLen     = 500
	DescriptionMaxLen = 500
)

// ValidationError lists every field that failed validation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "invalid task"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range []string{"name", "command", "description"} {
		if msg, ok := e.Fields[f]; ok {
			parts = append(parts, f+": "+msg)
		}
	}
	return "invalid task: " + strings.Join(parts, "; ")
}

// ValidateCreate checks lengths of a create request. Lengths are counted in
// runes after trimming.
func ValidateCreate(req CreateTaskRequest) error {
	req = req.Normalize()
	fields := map[string]string{}

	if n := utf8.RuneCountInString(req.Name); n < NameMinLen || n > NameMaxLen {
		fields["name"] = fmt.Sprintf("must be %d-%d characters", NameMinLen, NameMaxLen)
	}
	if n := utf8.RuneCountInString(req.Command); n < CommandMinLen || n > CommandMaxLen {
		fields["command"] = fmt.Sprintf("must be %d-%d characters", CommandMinLen, CommandMaxLen)
	}
	if utf8.RuneCountInString(req.Description) > DescriptionMaxLen {
		fields["description"] = fmt.Sprintf("cannot exceed %d characters", DescriptionMaxLen)
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// MatchesName reports whether the task name contains filter, ignoring case.
// An empty filter matches everything.
func MatchesName(t Task, filter string) bool {
	if filter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(t.Name), strings.ToLower(filter))
}

func trim(s string) string { return strings.TrimSpace(s) }
