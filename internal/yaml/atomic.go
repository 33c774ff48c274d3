// Package yaml reads inbox batch files and writes result files atomically.
package yaml

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// AtomicWrite marshals data and replaces path with it in one rename.
func AtomicWrite(path string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return AtomicWriteRaw(path, content, false)
}

// AtomicWriteRaw writes content to a temp file in the target directory, checks that
// it parses back, and renames it over path. With backup set an existing file is
// first copied to path+".bak".
func AtomicWriteRaw(path string, content []byte, backup bool) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".cogno-tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("read temp file for validation: %w", err)
	}
	if _, err := parseAny(written); err != nil {
		return fmt.Errorf("yaml validation failed: %w", err)
	}

	if backup {
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, path+".bak"); err != nil {
				return fmt.Errorf("create backup: %w", err)
			}
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

func parseAny(content []byte) (any, error) {
	var v any
	err := yamlv3.Unmarshal(content, &v)
	return v, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
