package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeYAMLParser_ValidDocument(t *testing.T) {
	p := NewSafeYAMLParser(DefaultYAMLLimits())

	var out struct {
		Actors []struct {
			ID string `yaml:"id"`
		} `yaml:"actors"`
	}
	err := p.UnmarshalYAML([]byte("actors:\n  - id: triage\n  - id: assessor\n"), &out)
	require.NoError(t, err)
	require.Len(t, out.Actors, 2)
	assert.Equal(t, "triage", out.Actors[0].ID)
}

func TestSafeYAMLParser_EmptyDocument(t *testing.T) {
	p := NewSafeYAMLParser(DefaultYAMLLimits())
	var out map[string]any
	assert.NoError(t, p.UnmarshalYAML(nil, &out))
}

func TestSafeYAMLParser_RejectsOversizedDocument(t *testing.T) {
	limits := DefaultYAMLLimits()
	limits.MaxFileSize = 16
	p := NewSafeYAMLParser(limits)

	var out map[string]any
	err := p.UnmarshalYAML([]byte("key: "+strings.Repeat("x", 64)), &out)
	assert.ErrorContains(t, err, "limit 16")
}

func TestSafeYAMLParser_RejectsDeepNesting(t *testing.T) {
	limits := DefaultYAMLLimits()
	limits.MaxDepth = 3
	p := NewSafeYAMLParser(limits)

	doc := "a:\n  b:\n    c:\n      d:\n        e: 1\n"
	var out map[string]any
	err := p.UnmarshalYAML([]byte(doc), &out)
	assert.ErrorContains(t, err, "nesting depth")
}

func TestSafeYAMLParser_RejectsNodeFlood(t *testing.T) {
	limits := DefaultYAMLLimits()
	limits.MaxNodes = 10
	p := NewSafeYAMLParser(limits)

	var sb strings.Builder
	sb.WriteString("items:\n")
	for i := 0; i < 50; i++ {
		sb.WriteString("  - x\n")
	}
	var out map[string]any
	err := p.UnmarshalYAML([]byte(sb.String()), &out)
	assert.ErrorContains(t, err, "node count")
}

func TestSafeYAMLParser_FromReader(t *testing.T) {
	p := NewSafeYAMLParser(DefaultYAMLLimits())
	var out map[string]string
	err := p.UnmarshalYAMLFromReader(strings.NewReader("name: agentmesh\n"), &out)
	require.NoError(t, err)
	assert.Equal(t, "agentmesh", out["name"])
}
