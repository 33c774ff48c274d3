package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const QuarantineDir = "quarantine"

// Quarantine moves a file that cannot be processed into <dataDir>/quarantine,
// tagging it with a timestamp, and returns the new path.
func Quarantine(dataDir, filePath string) (string, error) {
	dir := filepath.Join(dataDir, QuarantineDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405.000"))
	dest := filepath.Join(dir, name)
	if err := os.Rename(filePath, dest); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dest, nil
}

// RestoreFromBackup replaces filePath with its .bak copy when the copy parses.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no backup file: %s", bakPath)
		}
		return fmt.Errorf("read backup: %w", err)
	}
	if _, err := parseAny(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}
	return AtomicWriteRaw(filePath, content, false)
}
