package sources

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func writeSourcesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDescriptors(t *testing.T) {
	path := writeSourcesFile(t, `
sources:
  - id: us-congress
    kind: congress_api
    base_url: https://api.example.gov/v3
    jurisdiction: us-federal
    entity_types: [bill, vote]
    page_size: 250
    api_key_env: CONGRESS_API_KEY
    rate_limit:
      requests_per_second: 1
      burst: 2
    retry:
      max_attempts: 5
      initial_backoff: 1s
      max_backoff: 60s
    schedule: 6h
  - id: ny-statefeed
    kind: state_feed
    base_url: https://feed.example.ny.gov
    jurisdiction: us-ny
    entity_types: [bill]
`)

	descriptors, err := LoadDescriptors(path)
	require.NoError(t, err)
	require.Len(t, descriptors, 2)

	congress := descriptors[0]
	assert.Equal(t, "us-congress", congress.ID)
	assert.Equal(t, models.SourceKindCongressAPI, congress.Kind)
	assert.Equal(t, 250, congress.PageSize)
	assert.Equal(t, 5, congress.Retry.MaxAttempts)
	assert.Equal(t, "CONGRESS_API_KEY", congress.APIKeyEnv)

	// Omitted fields fall back to defaults
	statefeed := descriptors[1]
	assert.Equal(t, 100, statefeed.PageSize)
	assert.Equal(t, 3, statefeed.Retry.MaxAttempts)
}

func TestLoadDescriptorsRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "duplicate source ids",
			content: `
sources:
  - id: us-congress
    kind: congress_api
    base_url: https://api.example.gov/v3
    jurisdiction: us-federal
    entity_types: [bill]
  - id: us-congress
    kind: state_feed
    base_url: https://feed.example.gov
    jurisdiction: us-federal
    entity_types: [bill]
`,
			wantErr: "duplicate source id",
		},
		{
			name: "missing jurisdiction",
			content: `
sources:
  - id: us-congress
    kind: congress_api
    base_url: https://api.example.gov/v3
    entity_types: [bill]
`,
			wantErr: "invalid source descriptor",
		},
		{
			name: "unknown kind",
			content: `
sources:
  - id: us-congress
    kind: carrier_pigeon
    base_url: https://api.example.gov/v3
    jurisdiction: us-federal
    entity_types: [bill]
`,
			wantErr: "invalid source descriptor",
		},
		{
			name: "unknown entity type",
			content: `
sources:
  - id: us-congress
    kind: congress_api
    base_url: https://api.example.gov/v3
    jurisdiction: us-federal
    entity_types: [bill, amendment]
`,
			wantErr: "invalid source descriptor",
		},
		{
			name:    "no sources",
			content: "sources: []\n",
			wantErr: "defines no sources",
		},
		{
			name:    "not yaml",
			content: "{{{",
			wantErr: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSourcesFile(t, tt.content)
			_, err := LoadDescriptors(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDescriptorsMissingFile(t *testing.T) {
	_, err := LoadDescriptors(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read")
}

func TestBuildAll(t *testing.T) {
	descriptors := []models.SourceDescriptor{
		*congressDescriptor("https://api.example.gov", 50, "bill"),
		*stateFeedDescriptor("https://feed.example.gov", "bill"),
	}

	adapters, err := BuildAll(descriptors, testDeps())
	require.NoError(t, err)
	require.Len(t, adapters, 2)
	assert.Equal(t, "us-congress", adapters["us-congress"].Descriptor().ID)
	assert.Equal(t, "ny-statefeed", adapters["ny-statefeed"].Descriptor().ID)

	descriptors[0].Kind = "bogus"
	_, err = BuildAll(descriptors, testDeps())
	require.Error(t, err)
}
