package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// congressAdapter speaks the federal JSON API: one list endpoint per entity
// type, offset/limit pagination, API key in a request header.
type congressAdapter struct {
	desc *models.SourceDescriptor
	deps Deps
}

func newCongressAdapter(desc *models.SourceDescriptor, deps Deps) *congressAdapter {
	return &congressAdapter{desc: desc, deps: deps}
}

func (a *congressAdapter) Descriptor() *models.SourceDescriptor {
	return a.desc
}

// congressCheckpoint resumes mid-enumeration: the entity type being listed
// and the offset of the next unread page
type congressCheckpoint struct {
	EntityType string `json:"entity_type"`
	Offset     int    `json:"offset"`
}

type congressPage struct {
	Items      []json.RawMessage `json:"items"`
	Pagination struct {
		Count int `json:"count"`
	} `json:"pagination"`
}

func (a *congressAdapter) Open(ctx context.Context, checkpoint json.RawMessage) (DocumentStream, error) {
	cp := congressCheckpoint{}
	if len(checkpoint) > 0 {
		if err := json.Unmarshal(checkpoint, &cp); err != nil {
			return nil, fmt.Errorf("source %s: invalid checkpoint: %w", a.desc.ID, err)
		}
	}

	typeIndex := 0
	offset := cp.Offset
	if cp.EntityType != "" {
		found := false
		for i, et := range a.desc.EntityTypes {
			if et == cp.EntityType {
				typeIndex = i
				found = true
				break
			}
		}
		// A checkpoint for a type no longer in the descriptor restarts the
		// enumeration; its offset belongs to the dropped type
		if !found {
			offset = 0
		}
	}

	return &congressStream{
		adapter:   a,
		typeIndex: typeIndex,
		offset:    offset,
	}, nil
}

type congressStream struct {
	adapter *congressAdapter

	typeIndex int
	offset    int
	buffer    []*Document
	// set when the last page for the current entity type came back short
	typeDone bool
	closed   bool
}

func (s *congressStream) Next(ctx context.Context) (*Document, error) {
	if s.closed {
		return nil, fmt.Errorf("stream closed")
	}

	for len(s.buffer) == 0 {
		if s.typeDone {
			s.typeIndex++
			s.offset = 0
			s.typeDone = false
		}
		if s.typeIndex >= len(s.adapter.desc.EntityTypes) {
			return nil, io.EOF
		}
		if err := s.fetchNextPage(ctx); err != nil {
			return nil, err
		}
	}

	doc := s.buffer[0]
	s.buffer = s.buffer[1:]
	s.offset++
	return doc, nil
}

func (s *congressStream) fetchNextPage(ctx context.Context) error {
	desc := s.adapter.desc
	entityType := desc.EntityTypes[s.typeIndex]

	u, err := url.Parse(fmt.Sprintf("%s/%ss", desc.BaseURL, entityType))
	if err != nil {
		return &TransportError{SourceID: desc.ID, Err: err}
	}
	q := u.Query()
	q.Set("offset", fmt.Sprintf("%d", s.offset))
	q.Set("limit", fmt.Sprintf("%d", desc.PageSize))
	q.Set("format", "json")
	u.RawQuery = q.Encode()

	headers := map[string]string{"Accept": "application/json"}
	if desc.APIKeyEnv != "" {
		if key := os.Getenv(desc.APIKeyEnv); key != "" {
			headers["X-Api-Key"] = key
		}
	}

	resp, err := fetchPage(ctx, s.adapter.deps, desc, u.String(), headers)
	if err != nil {
		return err
	}

	var page congressPage
	if err := json.Unmarshal(resp.Body, &page); err != nil {
		return &TransportError{SourceID: desc.ID, Err: fmt.Errorf("malformed page response: %w", err)}
	}

	fetchedAt := time.Now().UTC()
	for _, item := range page.Items {
		s.buffer = append(s.buffer, &Document{
			EntityType:  entityType,
			ExternalID:  extractExternalID(item),
			Body:        item,
			ContentType: "application/json",
			FetchedAt:   fetchedAt,
		})
	}

	// A short page ends the current entity type; the switch happens once
	// the buffered documents drain
	if len(page.Items) < desc.PageSize {
		s.typeDone = true
	}

	return nil
}

// extractExternalID pulls the upstream identifier out of a raw item.
// The federal API is inconsistent about the field name across endpoints.
func extractExternalID(item json.RawMessage) string {
	var ids struct {
		ID     string `json:"id"`
		Number string `json:"number"`
	}
	if err := json.Unmarshal(item, &ids); err != nil {
		return ""
	}
	if ids.ID != "" {
		return ids.ID
	}
	return ids.Number
}

func (s *congressStream) Checkpoint() json.RawMessage {
	if s.typeIndex >= len(s.adapter.desc.EntityTypes) {
		return nil
	}
	cp := congressCheckpoint{
		EntityType: s.adapter.desc.EntityTypes[s.typeIndex],
		Offset:     s.offset,
	}
	raw, _ := json.Marshal(cp)
	return raw
}

func (s *congressStream) Close() error {
	s.closed = true
	s.buffer = nil
	return nil
}
