package external

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strings"
)

const maxSourceLines = 150

var (
	topLevelDef   = regexp.MustCompile(`^def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	topLevelClass = regexp.MustCompile(`^class\s+`)
)

// SyntacticValidator is a concrete SourceValidator. It replaces the original
// "exec the source into a namespace and count callables" approach
// (utils/function_utils.py's validate_single_function_with_errors) with a
// line-scan over top-level statements: exactly one top-level `def`, no
// `class` anywhere, within a line-count budget. This is parse-only — the
// orchestrator never executes submitted code itself.
type SyntacticValidator struct{}

// NewSyntacticValidator creates a SyntacticValidator.
func NewSyntacticValidator() *SyntacticValidator {
	return &SyntacticValidator{}
}

func (v *SyntacticValidator) Validate(ctx context.Context, source string) (FunctionInfo, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return FunctionInfo{}, fmt.Errorf("code cannot be empty")
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) > maxSourceLines {
		return FunctionInfo{}, fmt.Errorf("code exceeds maximum limit of %d lines", maxSourceLines)
	}

	var funcName string
	funcCount := 0

	scanner := bufio.NewScanner(strings.NewReader(trimmed))
	for scanner.Scan() {
		line := scanner.Text()
		stripped := strings.TrimLeft(line, " \t")
		if stripped == "" || strings.HasPrefix(stripped, "#") {
			continue
		}
		if topLevelClass.MatchString(stripped) {
			return FunctionInfo{}, fmt.Errorf("classes are not allowed anywhere in the code")
		}
		// Only count definitions at column 0 as top-level.
		if line == stripped {
			if m := topLevelDef.FindStringSubmatch(stripped); m != nil {
				funcCount++
				funcName = m[1]
			}
		}
	}

	if funcCount == 0 {
		return FunctionInfo{}, fmt.Errorf("no function found, please include exactly one function definition")
	}
	if funcCount > 1 {
		return FunctionInfo{}, fmt.Errorf("found %d functions, please include only one function", funcCount)
	}

	return FunctionInfo{Name: funcName, Source: trimmed}, nil
}
