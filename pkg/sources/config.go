package sources

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/fern/pkg/models"
)

// sourcesFile is the on-disk shape of the descriptor file
type sourcesFile struct {
	Sources []models.SourceDescriptor `yaml:"sources"`
}

// LoadDescriptors reads and validates the source descriptor file.
// Duplicate source IDs are rejected so one descriptor can't shadow another.
func LoadDescriptors(path string) ([]models.SourceDescriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file %s: %w", path, err)
	}

	var file sourcesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse sources file %s: %w", path, err)
	}

	if len(file.Sources) == 0 {
		return nil, fmt.Errorf("sources file %s defines no sources", path)
	}

	validate := validator.New()
	seen := make(map[string]bool, len(file.Sources))
	for i := range file.Sources {
		desc := &file.Sources[i]
		if err := validate.Struct(desc); err != nil {
			return nil, fmt.Errorf("invalid source descriptor %q: %w", desc.ID, err)
		}
		if seen[desc.ID] {
			return nil, fmt.Errorf("duplicate source id %q in %s", desc.ID, path)
		}
		seen[desc.ID] = true

		if desc.PageSize == 0 {
			desc.PageSize = 100
		}
		if desc.Retry.MaxAttempts == 0 {
			desc.Retry.MaxAttempts = 3
		}
	}

	return file.Sources, nil
}
