// Package external defines the collaborator interfaces that sit outside the
// orchestration plane itself: AI client adapters, test synthesizers, source
// validation, and doc/improvement generation. The
// Session Controller (C4) and Test-Generation Coordinator (C5) depend only
// on these interfaces; this package also ships one concrete, minimal
// implementation of each so the repo is runnable end to end, grounded on
// the corresponding original_source modules (function_utils.py, ai.py,
// create_tests.py, documentation_generation.py).
package external

import (
	"context"

	"github.com/kestrelrun/testforge/internal/proto"
)

// FunctionInfo is what a SourceValidator extracts from a validated function,
// passed on to synthesizers and generators. The orchestrator never inspects
// Source itself beyond holding onto it as an opaque blob.
type FunctionInfo struct {
	Name   string
	Source string
}

// SourceValidator checks that submitted code is exactly one well-formed,
// top-level function, replacing the original's "exec into a namespace to get
// a callable" step with a syntactic, parse-only check: the orchestrator
// never executes submitted code itself.
type SourceValidator interface {
	Validate(ctx context.Context, source string) (FunctionInfo, error)
}

// AIClient is the external text-generation collaborator used for test_ai,
// generate_docs and generate_improvements requests.
type AIClient interface {
	// DetectModel reports which supported model, if any, apiKey is valid
	// for. An empty string with a nil error means none matched.
	DetectModel(ctx context.Context, apiKey string) (string, error)

	// TestConnection checks that model accepts apiKey.
	TestConnection(ctx context.Context, model, apiKey string) (bool, error)
}

// TestSynthesizer produces the source of one kind of test for fn. The
// orchestrator never parses the returned Test.Source; it is opaque runnable
// code handed unchanged to the Sandbox Driver.
type TestSynthesizer interface {
	Synthesize(ctx context.Context, fn FunctionInfo) ([]proto.Test, error)
}

// DocGenerator produces human-readable documentation for fn.
type DocGenerator interface {
	GenerateDocs(ctx context.Context, fn FunctionInfo, apiKey string) (string, error)
}

// ImprovementGenerator produces a list of suggested improvements for fn.
type ImprovementGenerator interface {
	GenerateImprovements(ctx context.Context, fn FunctionInfo, apiKey string) ([]string, error)
}
