package external

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelrun/testforge/internal/proto"
)

func TestTemplateSynthesizerProducesOneTestPerKind(t *testing.T) {
	tmpl := NewTemplateSynthesizer()
	fn := FunctionInfo{Name: "add", Source: "def add(a, b):\n    return a + b\n"}

	for _, kind := range proto.AllKinds {
		tests, err := tmpl.ForKind(kind).Synthesize(context.Background(), fn)
		require.NoError(t, err)
		require.Len(t, tests, 1)
		assert.Equal(t, kind, tests[0].Kind)
		assert.Equal(t, proto.StatusPending, tests[0].Status)
		assert.NotEmpty(t, tests[0].TestID)
		assert.Contains(t, tests[0].Source, "add(a, b)")
	}
}

func TestTemplateSynthesizerMemoryTemplateAssertsPeakBound(t *testing.T) {
	tmpl := NewTemplateSynthesizer()
	fn := FunctionInfo{Name: "noop", Source: "def noop():\n    pass\n"}

	tests, err := tmpl.ForKind(proto.KindMemory).Synthesize(context.Background(), fn)
	require.NoError(t, err)
	assert.Contains(t, tests[0].Source, "tracemalloc")
	assert.Contains(t, tests[0].Source, "peak < 100 * 1024 * 1024")
}

func TestTemplateSynthesizerPerformanceTemplateBoundsElapsed(t *testing.T) {
	tmpl := NewTemplateSynthesizer()
	fn := FunctionInfo{Name: "noop", Source: "def noop():\n    pass\n"}

	tests, err := tmpl.ForKind(proto.KindPerformance).Synthesize(context.Background(), fn)
	require.NoError(t, err)
	assert.Contains(t, tests[0].Source, "range(1000)")
	assert.Contains(t, tests[0].Source, "elapsed < 10.0")
}

func TestCreateTestTitleHumanizesSnakeCase(t *testing.T) {
	assert.Equal(t, "Add Smoke", createTestTitle("test_add_smoke"))
}

func TestIndentCodeSkipsBlankLines(t *testing.T) {
	out := indentCode("def f():\n\n    return 1\n", 4)
	lines := strings.Split(out, "\n")
	assert.Equal(t, "    def f():", lines[0])
	assert.Equal(t, "", lines[1])
}
