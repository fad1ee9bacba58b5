package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
)

// Document is one raw payload pulled from a source, exactly as received
type Document struct {
	EntityType  string
	ExternalID  string
	Body        []byte
	ContentType string
	FetchedAt   time.Time
}

// DocumentStream yields documents one at a time. Next returns io.EOF when
// the source is exhausted. Checkpoint returns an opaque resume token valid
// as of the last successfully returned document.
type DocumentStream interface {
	Next(ctx context.Context) (*Document, error)
	Checkpoint() json.RawMessage
	Close() error
}

// Adapter speaks one source's wire protocol. Implementations are stateless
// between runs; all resume state lives in the checkpoint.
type Adapter interface {
	Descriptor() *models.SourceDescriptor
	Open(ctx context.Context, checkpoint json.RawMessage) (DocumentStream, error)
}

// Deps carries the shared plumbing every adapter needs
type Deps struct {
	HTTP   *httpclient.Client
	Pacer  *ratelimit.Pacer
	Logger ectologger.Logger
}

// NewAdapter builds the adapter for a descriptor's kind
func NewAdapter(desc *models.SourceDescriptor, deps Deps) (Adapter, error) {
	switch desc.Kind {
	case models.SourceKindCongressAPI:
		return newCongressAdapter(desc, deps), nil
	case models.SourceKindStateFeed:
		return newStateFeedAdapter(desc, deps), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q for source %s", desc.Kind, desc.ID)
	}
}

// BuildAll constructs adapters for every descriptor, keyed by source ID
func BuildAll(descriptors []models.SourceDescriptor, deps Deps) (map[string]Adapter, error) {
	adapters := make(map[string]Adapter, len(descriptors))
	for i := range descriptors {
		desc := &descriptors[i]
		adapter, err := NewAdapter(desc, deps)
		if err != nil {
			return nil, err
		}
		adapters[desc.ID] = adapter
	}
	return adapters, nil
}
