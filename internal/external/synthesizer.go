package external

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kestrelrun/testforge/internal/proto"
)

// TemplateSynthesizer is a concrete TestSynthesizer producing one
// self-contained Python script per kind. Each script embeds the submitted
// function body and a driver that calls it, asserting on success/failure via
// the process exit code — the sandbox executes the returned Source directly
// (`python3 source.py`), so unlike the original's pytest-collected test
// functions, the embedded driver must run itself at module scope.
//
// Grounded on websocket/create_tests.py's three generator families
// (UnitTest/MemoryTest/PerformanceTest), simplified from per-parameter
// hypothesis/edge-case strategies to a no-argument smoke invocation, since
// this package's job is only to produce a plausible opaque test source —
// the orchestration plane never inspects it.
type TemplateSynthesizer struct{}

// NewTemplateSynthesizer creates a TemplateSynthesizer.
func NewTemplateSynthesizer() *TemplateSynthesizer {
	return &TemplateSynthesizer{}
}

func indentCode(code string, spaces int) string {
	prefix := strings.Repeat(" ", spaces)
	lines := strings.Split(code, "\n")
	for i, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func createTestTitle(testName string) string {
	name := strings.TrimPrefix(testName, "test_")
	parts := strings.Split(name, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

// ForKind binds this synthesizer to a single kind, returning a
// TestSynthesizer suitable for a (kind -> synthesizer) table, in place of
// the original's near-duplicate UnitTest/MemoryTest/PerformanceTest classes.
func (s *TemplateSynthesizer) ForKind(kind proto.Kind) TestSynthesizer {
	return kindSynthesizer{tmpl: s, kind: kind}
}

type kindSynthesizer struct {
	tmpl *TemplateSynthesizer
	kind proto.Kind
}

func (k kindSynthesizer) Synthesize(ctx context.Context, fn FunctionInfo) ([]proto.Test, error) {
	return k.tmpl.synthesizeKind(ctx, fn, k.kind)
}

func (s *TemplateSynthesizer) synthesizeKind(ctx context.Context, fn FunctionInfo, kind proto.Kind) ([]proto.Test, error) {
	var source, name string
	switch kind {
	case proto.KindUnit:
		name = fmt.Sprintf("test_%s_smoke", fn.Name)
		source = s.unitTemplate(fn, name)
	case proto.KindMemory:
		name = fmt.Sprintf("test_%s_memory_usage", fn.Name)
		source = s.memoryTemplate(fn, name)
	case proto.KindPerformance:
		name = fmt.Sprintf("test_%s_performance", fn.Name)
		source = s.performanceTemplate(fn, name)
	default:
		return nil, fmt.Errorf("unknown test kind %q", kind)
	}

	return []proto.Test{
		{
			TestID: uuid.NewString(),
			Kind:   kind,
			Name:   name,
			Title:  createTestTitle(name),
			Source: source,
			Status: proto.StatusPending,
		},
	}, nil
}

func (s *TemplateSynthesizer) unitTemplate(fn FunctionInfo, name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "def %s():\n", name)
	b.WriteString(indentCode(fn.Source, 4))
	b.WriteString("\n    try:\n")
	fmt.Fprintf(&b, "        %s()\n", fn.Name)
	b.WriteString("    except Exception as e:\n")
	b.WriteString("        raise AssertionError(f\"call raised: {e}\")\n\n")
	fmt.Fprintf(&b, "%s()\n", name)
	return b.String()
}

func (s *TemplateSynthesizer) memoryTemplate(fn FunctionInfo, name string) string {
	var b strings.Builder
	b.WriteString("import tracemalloc\n\n")
	fmt.Fprintf(&b, "def %s():\n", name)
	b.WriteString(indentCode(fn.Source, 4))
	b.WriteString("\n    tracemalloc.start()\n")
	b.WriteString("    try:\n")
	fmt.Fprintf(&b, "        %s()\n", fn.Name)
	b.WriteString("        _, peak = tracemalloc.get_traced_memory()\n")
	b.WriteString("        tracemalloc.stop()\n")
	b.WriteString("        assert peak < 100 * 1024 * 1024\n")
	b.WriteString("    except Exception as e:\n")
	b.WriteString("        tracemalloc.stop()\n")
	b.WriteString("        raise e\n\n")
	fmt.Fprintf(&b, "%s()\n", name)
	return b.String()
}

func (s *TemplateSynthesizer) performanceTemplate(fn FunctionInfo, name string) string {
	var b strings.Builder
	b.WriteString("import time\n\n")
	fmt.Fprintf(&b, "def %s():\n", name)
	b.WriteString(indentCode(fn.Source, 4))
	b.WriteString("\n    start_time = time.time()\n")
	b.WriteString("    for _ in range(1000):\n")
	b.WriteString("        try:\n")
	fmt.Fprintf(&b, "            %s()\n", fn.Name)
	b.WriteString("        except Exception:\n")
	b.WriteString("            break\n")
	b.WriteString("    elapsed = time.time() - start_time\n")
	b.WriteString("    assert elapsed < 10.0\n\n")
	fmt.Fprintf(&b, "%s()\n", name)
	return b.String()
}
