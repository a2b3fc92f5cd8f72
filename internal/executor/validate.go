package executor

import (
	"fmt"
	"strings"
)

// dangerousPatterns are substrings that reject code outright before it ever
// reaches an interpreter. This is a cheap first gate, not a sandbox; real
// isolation comes from the engine backend.
var dangerousPatterns = []string{
	"os.system",
	"subprocess.",
	"__import__",
	"eval(",
	"exec(",
}

// ValidateCode screens submitted code before a session is resolved, so
// obviously hostile requests never cost an engine launch. Syntax checking is
// deliberately left to the engine: its parser reports a syntax error as an
// ordinary failed result on the same call.
func ValidateCode(code string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("code cannot be empty")
	}
	for _, pattern := range dangerousPatterns {
		if strings.Contains(code, pattern) {
			return fmt.Errorf("potentially dangerous operation detected: %s", pattern)
		}
	}
	return nil
}
