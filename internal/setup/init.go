// Package setup creates a cogno data directory.
package setup

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/cogno/internal/config"
	atomicyaml "github.com/msageha/cogno/internal/yaml"
	"github.com/msageha/cogno/templates"
)

type Options struct {
	// Force rewrites config.yaml of an existing data dir, keeping the old one as config.yaml.bak.
	Force bool
	// Driver overrides store.driver of the default configuration.
	Driver string
}

const envExample = `# Copy to .env; variables already set in the environment win.
OPENAI_API_KEY=
COGNO_DATABASE_URL=
`

// Run initializes <projectDir>/.cogno and returns its path.
func Run(projectDir string, opts Options) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	base := filepath.Join(absDir, config.DirName)

	if _, err := os.Stat(base); err == nil && !opts.Force {
		return "", fmt.Errorf("%s already exists (use --force to rewrite its config)", base)
	}

	dirs := []string{
		"inbox",
		"processed",
		atomicyaml.QuarantineDir,
		"locks",
		"logs",
		"state",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0o755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(opts.Driver)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.AtomicWriteRaw(filepath.Join(base, config.FileName), cfg, opts.Force); err != nil {
		return "", fmt.Errorf("write %s: %w", config.FileName, err)
	}

	examplePath := filepath.Join(base, ".env.example")
	if _, err := os.Stat(examplePath); os.IsNotExist(err) {
		if err := os.WriteFile(examplePath, []byte(envExample), 0o644); err != nil {
			return "", fmt.Errorf("write .env.example: %w", err)
		}
	}
	return base, nil
}

// generateConfig returns the embedded default configuration, comments kept,
// with store.driver replaced when driver is set.
func generateConfig(driver string) ([]byte, error) {
	data, err := fs.ReadFile(templates.FS, config.FileName)
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	if driver != "" {
		if data, err = setScalar(data, driver, "store", "driver"); err != nil {
			return nil, err
		}
	}
	if _, err := config.Parse(data); err != nil {
		return nil, err
	}
	return data, nil
}

func setScalar(data []byte, value string, path ...string) ([]byte, error) {
	var doc yamlv3.Node
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("config template is empty")
	}
	node := doc.Content[0]
	for _, key := range path {
		next := lookup(node, key)
		if next == nil {
			return nil, fmt.Errorf("config template has no %q", key)
		}
		node = next
	}
	node.Value = value

	var buf bytes.Buffer
	enc := yamlv3.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lookup(mapping *yamlv3.Node, key string) *yamlv3.Node {
	if mapping.Kind != yamlv3.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}
