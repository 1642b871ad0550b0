package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the sync or the validation failed
	ExitCommandError = 2 // bad arguments or the server could not be reached
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// GetExitCode extracts the exit code from an error.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes either indented JSON or key: value lines.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Print renders v. In text mode the listed keys come first, in order, and
// the remaining scalar keys follow alphabetically.
func (f *OutputFormatter) Print(v map[string]any, keys ...string) error {
	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		seen[k] = true
		if val, ok := v[k]; ok && val != nil {
			fmt.Fprintf(f.Writer, "%s: %s\n", k, textValue(val))
		}
	}
	rest := make([]string, 0, len(v))
	for k, val := range v {
		if seen[k] || val == nil {
			continue
		}
		switch val.(type) {
		case map[string]any, []any, []string:
			continue
		}
		rest = append(rest, k)
	}
	sort.Strings(rest)
	for _, k := range rest {
		fmt.Fprintf(f.Writer, "%s: %s\n", k, textValue(v[k]))
	}
	return nil
}

func textValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []string:
		return strings.Join(t, ", ")
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case map[string]any, []any:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
