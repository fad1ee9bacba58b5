package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func testDeps() Deps {
	logger := testLogger()
	return Deps{
		HTTP:   httpclient.NewClient(httpclient.Config{Timeout: 5 * time.Second}, logger),
		Pacer:  ratelimit.NewPacer(nil, logger),
		Logger: logger,
	}
}

func congressDescriptor(baseURL string, pageSize int, entityTypes ...string) *models.SourceDescriptor {
	return &models.SourceDescriptor{
		ID:           "us-congress",
		Kind:         models.SourceKindCongressAPI,
		BaseURL:      baseURL,
		Jurisdiction: "us-federal",
		EntityTypes:  entityTypes,
		PageSize:     pageSize,
		RateLimit:    models.RateLimitPolicy{RequestsPerSecond: 1000, Burst: 100},
		Retry:        models.RetryPolicy{MaxAttempts: 3},
	}
}

func drain(t *testing.T, stream DocumentStream) []*Document {
	t.Helper()
	var docs []*Document
	for {
		doc, err := stream.Next(context.Background())
		if err == io.EOF {
			return docs
		}
		require.NoError(t, err)
		docs = append(docs, doc)
	}
}

func congressItems(ids ...string) string {
	items := make([]string, len(ids))
	for i, id := range ids {
		items[i] = fmt.Sprintf(`{"number":%q}`, id)
	}
	payload := ""
	for i, item := range items {
		if i > 0 {
			payload += ","
		}
		payload += item
	}
	return fmt.Sprintf(`{"items":[%s],"pagination":{"count":%d}}`, payload, len(ids))
}

func TestCongressStreamPaginatesAcrossEntityTypes(t *testing.T) {
	var requests []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.URL.Path+"?offset="+r.URL.Query().Get("offset"))
		switch {
		case r.URL.Path == "/bills" && r.URL.Query().Get("offset") == "0":
			fmt.Fprint(w, congressItems("hr-1", "hr-2"))
		case r.URL.Path == "/bills" && r.URL.Query().Get("offset") == "2":
			fmt.Fprint(w, congressItems("hr-3"))
		case r.URL.Path == "/votes" && r.URL.Query().Get("offset") == "0":
			fmt.Fprint(w, congressItems("roll-7"))
		default:
			t.Errorf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
			fmt.Fprint(w, congressItems())
		}
	}))
	defer server.Close()

	adapter := newCongressAdapter(congressDescriptor(server.URL, 2, "bill", "vote"), testDeps())
	stream, err := adapter.Open(context.Background(), nil)
	require.NoError(t, err)
	defer stream.Close()

	docs := drain(t, stream)

	require.Len(t, docs, 4)
	assert.Equal(t, "hr-1", docs[0].ExternalID)
	assert.Equal(t, "hr-2", docs[1].ExternalID)
	assert.Equal(t, "hr-3", docs[2].ExternalID)
	assert.Equal(t, "roll-7", docs[3].ExternalID)
	assert.Equal(t, "bill", docs[0].EntityType)
	assert.Equal(t, "vote", docs[3].EntityType)

	// The vote listing must start from offset 0 even though the bill
	// listing ended mid-buffer.
	assert.Equal(t, []string{
		"/bills?offset=0",
		"/bills?offset=2",
		"/votes?offset=0",
	}, requests)

	assert.Nil(t, stream.Checkpoint())
}

func TestCongressStreamCheckpointAdvancesPerDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, congressItems("hr-1", "hr-2"))
	}))
	defer server.Close()

	adapter := newCongressAdapter(congressDescriptor(server.URL, 2, "bill"), testDeps())
	stream, err := adapter.Open(context.Background(), nil)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(context.Background())
	require.NoError(t, err)

	var cp congressCheckpoint
	require.NoError(t, json.Unmarshal(stream.Checkpoint(), &cp))
	assert.Equal(t, "bill", cp.EntityType)
	assert.Equal(t, 1, cp.Offset)
}

func TestCongressStreamResumesFromCheckpoint(t *testing.T) {
	var gotOffset, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotOffset = r.URL.Query().Get("offset")
		fmt.Fprint(w, congressItems())
	}))
	defer server.Close()

	adapter := newCongressAdapter(congressDescriptor(server.URL, 50, "bill", "vote"), testDeps())
	checkpoint := json.RawMessage(`{"entity_type":"vote","offset":150}`)
	stream, err := adapter.Open(context.Background(), checkpoint)
	require.NoError(t, err)
	defer stream.Close()

	docs := drain(t, stream)
	assert.Empty(t, docs)
	assert.Equal(t, "/votes", gotPath)
	assert.Equal(t, "150", gotOffset)
}

func TestCongressStreamCheckpointForDroppedEntityType(t *testing.T) {
	var first string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if first == "" {
			first = r.URL.Path + "?offset=" + r.URL.Query().Get("offset")
		}
		fmt.Fprint(w, congressItems())
	}))
	defer server.Close()

	// The checkpointed type was removed from the descriptor; its offset must
	// not carry over to the first remaining type
	adapter := newCongressAdapter(congressDescriptor(server.URL, 50, "bill"), testDeps())
	checkpoint := json.RawMessage(`{"entity_type":"vote","offset":150}`)
	stream, err := adapter.Open(context.Background(), checkpoint)
	require.NoError(t, err)
	defer stream.Close()

	drain(t, stream)
	assert.Equal(t, "/bills?offset=0", first)
}

func TestCongressStreamInvalidCheckpoint(t *testing.T) {
	adapter := newCongressAdapter(congressDescriptor("http://localhost", 50, "bill"), testDeps())
	_, err := adapter.Open(context.Background(), json.RawMessage(`not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid checkpoint")
}

func TestCongressStreamSendsAPIKeyHeader(t *testing.T) {
	t.Setenv("FERN_TEST_API_KEY", "secret-key")

	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		fmt.Fprint(w, congressItems())
	}))
	defer server.Close()

	desc := congressDescriptor(server.URL, 50, "bill")
	desc.APIKeyEnv = "FERN_TEST_API_KEY"
	adapter := newCongressAdapter(desc, testDeps())
	stream, err := adapter.Open(context.Background(), nil)
	require.NoError(t, err)
	defer stream.Close()

	drain(t, stream)
	assert.Equal(t, "secret-key", gotKey)
}

func TestCongressStreamErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		check      func(t *testing.T, err error)
	}{
		{
			name:       "429 maps to RateLimitedError with Retry-After",
			status:     http.StatusTooManyRequests,
			retryAfter: "30",
			check: func(t *testing.T, err error) {
				var rle *RateLimitedError
				require.ErrorAs(t, err, &rle)
				assert.Equal(t, 30*time.Second, rle.RetryAfter)
				assert.True(t, IsRetryable(err))
			},
		},
		{
			name:   "500 is a retryable transport error",
			status: http.StatusInternalServerError,
			check: func(t *testing.T, err error) {
				var te *TransportError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, http.StatusInternalServerError, te.StatusCode)
				assert.True(t, IsRetryable(err))
			},
		},
		{
			name:   "404 is permanent",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				var te *TransportError
				require.ErrorAs(t, err, &te)
				assert.False(t, IsRetryable(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			adapter := newCongressAdapter(congressDescriptor(server.URL, 50, "bill"), testDeps())
			stream, err := adapter.Open(context.Background(), nil)
			require.NoError(t, err)
			defer stream.Close()

			_, err = stream.Next(context.Background())
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestCongressStreamMalformedPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>not json</html>")
	}))
	defer server.Close()

	adapter := newCongressAdapter(congressDescriptor(server.URL, 50, "bill"), testDeps())
	stream, err := adapter.Open(context.Background(), nil)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, err.Error(), "malformed page response")
}

func TestCongressStreamClosed(t *testing.T) {
	adapter := newCongressAdapter(congressDescriptor("http://localhost", 50, "bill"), testDeps())
	stream, err := adapter.Open(context.Background(), nil)
	require.NoError(t, err)

	require.NoError(t, stream.Close())
	_, err = stream.Next(context.Background())
	require.Error(t, err)
}
