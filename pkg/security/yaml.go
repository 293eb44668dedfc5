// Package security holds the hardening helpers applied at the
// system's trust boundaries. Configuration files are the main one:
// catalogs and policies arrive as YAML authored outside the process,
// so parsing is bounded in size, depth and node count before any
// struct decoding happens.
package security

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// YAMLLimits bounds what a config document may look like before it is
// decoded.
type YAMLLimits struct {
	MaxFileSize  int64
	MaxDepth     int
	MaxNodes     int
	MaxKeyLength int
	MaxValueSize int64
}

// DefaultYAMLLimits are generous for any real catalog while still
// rejecting pathological documents.
func DefaultYAMLLimits() YAMLLimits {
	return YAMLLimits{
		MaxFileSize:  10 * 1024 * 1024,
		MaxDepth:     20,
		MaxNodes:     10000,
		MaxKeyLength: 1024,
		MaxValueSize: 1024 * 1024,
	}
}

// SafeYAMLParser decodes YAML only after the document passes the
// configured structural limits.
type SafeYAMLParser struct {
	limits YAMLLimits
}

func NewSafeYAMLParser(limits YAMLLimits) *SafeYAMLParser {
	return &SafeYAMLParser{limits: limits}
}

// UnmarshalYAML validates the document structure, then decodes it
// into v.
func (p *SafeYAMLParser) UnmarshalYAML(data []byte, v any) error {
	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("yaml document is %d bytes, limit %d", len(data), p.limits.MaxFileSize)
	}

	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		if err == io.EOF {
			// Empty document decodes to the zero value.
			return nil
		}
		return fmt.Errorf("yaml parse: %w", err)
	}

	w := &yamlWalker{limits: p.limits}
	if err := w.check(&root, 0); err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}

// UnmarshalYAMLFromReader reads at most MaxFileSize bytes from r and
// decodes them like UnmarshalYAML.
func (p *SafeYAMLParser) UnmarshalYAMLFromReader(r io.Reader, v any) error {
	limited := io.LimitedReader{R: r, N: p.limits.MaxFileSize + 1}
	data, err := io.ReadAll(&limited)
	if err != nil {
		return fmt.Errorf("read yaml: %w", err)
	}
	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("yaml input exceeds %d bytes", p.limits.MaxFileSize)
	}
	return p.UnmarshalYAML(data, v)
}

type yamlWalker struct {
	limits YAMLLimits
	nodes  int
}

func (w *yamlWalker) check(node *yaml.Node, depth int) error {
	if depth > w.limits.MaxDepth {
		return fmt.Errorf("yaml nesting depth %d exceeds limit %d", depth, w.limits.MaxDepth)
	}
	w.nodes++
	if w.nodes > w.limits.MaxNodes {
		return fmt.Errorf("yaml node count exceeds limit %d", w.limits.MaxNodes)
	}

	switch node.Kind {
	case yaml.MappingNode:
		if len(node.Content)%2 != 0 {
			return fmt.Errorf("malformed yaml mapping")
		}
		for i := 0; i < len(node.Content); i += 2 {
			key := node.Content[i]
			if len(key.Value) > w.limits.MaxKeyLength {
				return fmt.Errorf("yaml key length %d exceeds limit %d", len(key.Value), w.limits.MaxKeyLength)
			}
			if err := w.check(key, depth+1); err != nil {
				return err
			}
			if err := w.check(node.Content[i+1], depth+1); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		if int64(len(node.Value)) > w.limits.MaxValueSize {
			return fmt.Errorf("yaml value size %d exceeds limit %d", len(node.Value), w.limits.MaxValueSize)
		}
	default:
		for _, child := range node.Content {
			if err := w.check(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
