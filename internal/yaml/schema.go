package yaml

import (
	"fmt"
	"os"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/cogno/internal/model"
)

const CurrentSchemaVersion = 1

const (
	ResultFileType = "run_result"
	StatusFileType = "daemon_status"
)

var validFileTypes = map[string]bool{
	model.EventBatchFileType: true,
	ResultFileType:           true,
	StatusFileType:           true,
}

type SchemaHeader struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

// ResultFile is written to processed/<name>.result.yaml for every inbox file.
type ResultFile struct {
	SchemaVersion int               `yaml:"schema_version"`
	FileType      string            `yaml:"file_type"`
	Source        string            `yaml:"source"`
	ProcessedAt   time.Time         `yaml:"processed_at"`
	Summary       *model.RunSummary `yaml:"summary,omitempty"`
	Error         string            `yaml:"error,omitempty"`
}

func NewResultFile(source string, summary *model.RunSummary, runErr error) ResultFile {
	r := ResultFile{
		SchemaVersion: CurrentSchemaVersion,
		FileType:      ResultFileType,
		Source:        source,
		ProcessedAt:   time.Now().UTC(),
		Summary:       summary,
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	return r
}

func ValidateSchemaHeader(path string, expectedFileType string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	return ValidateSchemaHeaderFromBytes(content, expectedFileType)
}

func ValidateSchemaHeaderFromBytes(content []byte, expectedFileType string) error {
	var header SchemaHeader
	if err := yamlv3.Unmarshal(content, &header); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if header.SchemaVersion < 1 {
		return fmt.Errorf("invalid schema_version %d (must be >= 1)", header.SchemaVersion)
	}
	if header.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (max supported: %d)", header.SchemaVersion, CurrentSchemaVersion)
	}
	if header.FileType == "" {
		return fmt.Errorf("missing file_type")
	}
	if !validFileTypes[header.FileType] {
		return fmt.Errorf("unknown file_type: %q", header.FileType)
	}
	if expectedFileType != "" && header.FileType != expectedFileType {
		return fmt.Errorf("file_type mismatch: got %q, expected %q", header.FileType, expectedFileType)
	}
	return nil
}

// ReadEventBatch loads and validates one inbox file.
func ReadEventBatch(path string) (model.EventBatch, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return model.EventBatch{}, fmt.Errorf("read file: %w", err)
	}
	return ParseEventBatch(content)
}

func ParseEventBatch(content []byte) (model.EventBatch, error) {
	if err := ValidateSchemaHeaderFromBytes(content, model.EventBatchFileType); err != nil {
		return model.EventBatch{}, err
	}
	var batch model.EventBatch
	if err := yamlv3.Unmarshal(content, &batch); err != nil {
		return model.EventBatch{}, fmt.Errorf("decode event batch: %w", err)
	}
	if batch.WorkspaceID <= 0 {
		return model.EventBatch{}, fmt.Errorf("event batch: workspace_id must be positive, got %d", batch.WorkspaceID)
	}
	switch batch.Mode {
	case "":
		batch.Mode = model.ModeBatch
	case model.ModeSingle, model.ModeBatch:
	default:
		return model.EventBatch{}, fmt.Errorf("event batch: unknown mode %q", batch.Mode)
	}
	return batch, nil
}
