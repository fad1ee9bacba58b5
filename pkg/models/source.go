package models

// SourceKind identifies the wire protocol a source speaks
type SourceKind string

const (
	SourceKindCongressAPI SourceKind = "congress_api"
	SourceKindStateFeed   SourceKind = "state_feed"
)

// RateLimitPolicy caps outbound request rate against a source
type RateLimitPolicy struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" validate:"omitempty,gt=0"`
	Burst             int     `json:"burst" yaml:"burst" validate:"omitempty,gte=1"`
}

// RetryPolicy controls transient-failure retries during a fetch run
type RetryPolicy struct {
	MaxAttempts    int      `json:"max_attempts" yaml:"max_attempts" validate:"omitempty,gte=1,lte=10"`
	InitialBackoff Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     Duration `json:"max_backoff" yaml:"max_backoff"`
}

// SourceDescriptor is the static definition of an upstream legislative data source.
// Descriptors are loaded from the sources file at startup; they are not stored in the database.
type SourceDescriptor struct {
	ID           string          `json:"id" yaml:"id" validate:"required"`
	Kind         SourceKind      `json:"kind" yaml:"kind" validate:"required,oneof=congress_api state_feed"`
	BaseURL      string          `json:"base_url" yaml:"base_url" validate:"required,url"`
	Jurisdiction string          `json:"jurisdiction" yaml:"jurisdiction" validate:"required"`
	EntityTypes  []string        `json:"entity_types" yaml:"entity_types" validate:"required,min=1,dive,oneof=bill vote member"`
	PageSize     int             `json:"page_size" yaml:"page_size" validate:"omitempty,gte=1,lte=500"`
	APIKeyEnv    string          `json:"api_key_env,omitempty" yaml:"api_key_env"`
	RateLimit    RateLimitPolicy `json:"rate_limit" yaml:"rate_limit"`
	Retry        RetryPolicy     `json:"retry" yaml:"retry"`
	Schedule     string          `json:"schedule,omitempty" yaml:"schedule"`
}

// EntityTypeBill and friends are the entity types the normalizers understand
const (
	EntityTypeBill   = "bill"
	EntityTypeVote   = "vote"
	EntityTypeMember = "member"
)

// SupportsEntityType reports whether the descriptor lists the given entity type
func (d *SourceDescriptor) SupportsEntityType(entityType string) bool {
	for _, et := range d.EntityTypes {
		if et == entityType {
			return true
		}
	}
	return false
}
