package sources

import (
	"context"
	"net/http"

	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
)

// fetchPage performs one paced GET against the source and maps the response
// onto the adapter error taxonomy. 429 blocks the source for Retry-After
// before returning, so sibling runs back off too.
func fetchPage(ctx context.Context, deps Deps, desc *models.SourceDescriptor, url string, headers map[string]string) (*httpclient.Response, error) {
	if err := deps.Pacer.Wait(ctx, desc); err != nil {
		return nil, err
	}

	resp, err := deps.HTTP.Get(ctx, url, headers)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{SourceID: desc.ID, Retryable: true, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter, parseErr := ratelimit.ParseRetryAfter(resp.Headers["Retry-After"])
		if parseErr != nil {
			retryAfter = 0
		}
		if retryAfter > 0 {
			_ = deps.Pacer.BackOff(ctx, desc.ID, retryAfter)
		}
		return nil, &RateLimitedError{SourceID: desc.ID, RetryAfter: retryAfter}
	case resp.StatusCode >= 500:
		return nil, &TransportError{
			SourceID:   desc.ID,
			StatusCode: resp.StatusCode,
			Retryable:  true,
			Err:        errStatus(resp.StatusCode),
		}
	case resp.StatusCode >= 400:
		return nil, &TransportError{
			SourceID:   desc.ID,
			StatusCode: resp.StatusCode,
			Retryable:  false,
			Err:        errStatus(resp.StatusCode),
		}
	}

	return resp, nil
}

type statusError int

func (e statusError) Error() string {
	return http.StatusText(int(e))
}

func errStatus(code int) error {
	return statusError(code)
}
