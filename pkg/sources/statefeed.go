package sources

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// stateFeedAdapter speaks the state legislature bulk feed: a single XML
// endpoint with opaque page tokens, all entity types interleaved.
type stateFeedAdapter struct {
	desc *models.SourceDescriptor
	deps Deps
}

func newStateFeedAdapter(desc *models.SourceDescriptor, deps Deps) *stateFeedAdapter {
	return &stateFeedAdapter{desc: desc, deps: deps}
}

func (a *stateFeedAdapter) Descriptor() *models.SourceDescriptor {
	return a.desc
}

type stateFeedCheckpoint struct {
	PageToken string `json:"page_token"`
}

type stateFeedPage struct {
	XMLName   xml.Name        `xml:"feed"`
	NextToken string          `xml:"next_token,attr"`
	Items     []stateFeedItem `xml:"item"`
}

type stateFeedItem struct {
	ID    string `xml:"id,attr"`
	Type  string `xml:"type,attr"`
	Inner []byte `xml:",innerxml"`
}

func (a *stateFeedAdapter) Open(ctx context.Context, checkpoint json.RawMessage) (DocumentStream, error) {
	cp := stateFeedCheckpoint{}
	if len(checkpoint) > 0 {
		if err := json.Unmarshal(checkpoint, &cp); err != nil {
			return nil, fmt.Errorf("source %s: invalid checkpoint: %w", a.desc.ID, err)
		}
	}

	return &stateFeedStream{
		adapter:   a,
		pageToken: cp.PageToken,
	}, nil
}

type stateFeedStream struct {
	adapter *stateFeedAdapter

	pageToken string
	buffer    []*Document
	exhausted bool
	closed    bool
}

func (s *stateFeedStream) Next(ctx context.Context) (*Document, error) {
	if s.closed {
		return nil, fmt.Errorf("stream closed")
	}

	for len(s.buffer) == 0 {
		if s.exhausted {
			return nil, io.EOF
		}
		if err := s.fetchNextPage(ctx); err != nil {
			return nil, err
		}
	}

	doc := s.buffer[0]
	s.buffer = s.buffer[1:]
	return doc, nil
}

func (s *stateFeedStream) fetchNextPage(ctx context.Context) error {
	desc := s.adapter.desc

	u, err := url.Parse(desc.BaseURL + "/feed")
	if err != nil {
		return &TransportError{SourceID: desc.ID, Err: err}
	}
	q := u.Query()
	q.Set("page_size", fmt.Sprintf("%d", desc.PageSize))
	if s.pageToken != "" {
		q.Set("page_token", s.pageToken)
	}
	u.RawQuery = q.Encode()

	resp, err := fetchPage(ctx, s.adapter.deps, desc, u.String(), map[string]string{"Accept": "application/xml"})
	if err != nil {
		return err
	}

	var page stateFeedPage
	if err := xml.Unmarshal(resp.Body, &page); err != nil {
		return &TransportError{SourceID: desc.ID, Err: fmt.Errorf("malformed feed page: %w", err)}
	}

	fetchedAt := time.Now().UTC()
	for _, item := range page.Items {
		// Feeds may interleave types the descriptor doesn't list
		if !desc.SupportsEntityType(item.Type) {
			continue
		}
		body := fmt.Sprintf(`<item id=%q type=%q>%s</item>`, item.ID, item.Type, item.Inner)
		s.buffer = append(s.buffer, &Document{
			EntityType:  item.Type,
			ExternalID:  item.ID,
			Body:        []byte(body),
			ContentType: "application/xml",
			FetchedAt:   fetchedAt,
		})
	}

	s.pageToken = page.NextToken
	if s.pageToken == "" {
		s.exhausted = true
	}

	return nil
}

func (s *stateFeedStream) Checkpoint() json.RawMessage {
	if s.exhausted || s.pageToken == "" {
		return nil
	}
	raw, _ := json.Marshal(stateFeedCheckpoint{PageToken: s.pageToken})
	return raw
}

func (s *stateFeedStream) Close() error {
	s.closed = true
	s.buffer = nil
	return nil
}
