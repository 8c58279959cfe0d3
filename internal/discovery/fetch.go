package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"mcpauth/internal/transport"
)

// candidateError means one well-known candidate did not yield a usable
// document; discovery moves on to the next candidate.
type candidateError struct {
	url    string
	status int
	err    error
}

func (e *candidateError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.url, e.err)
	}
	return fmt.Sprintf("%s: status %d", e.url, e.status)
}

func (e *candidateError) Unwrap() error { return e.err }

type document interface {
	Validate() error
}

// fetchDocument GETs docURL and decodes a JSON document into out.
// Transport failures are returned unchanged; unusable statuses and bodies
// are reported as *candidateError.
func fetchDocument(ctx context.Context, fetcher transport.Fetcher, docURL string, out document) error {
	resp, err := fetcher.Fetch(ctx, &transport.Request{
		Method: http.MethodGet,
		URL:    docURL,
		Header: http.Header{"Accept": {"application/json"}},
	})
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return &candidateError{url: docURL, status: resp.StatusCode}
	}

	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &candidateError{url: docURL, status: resp.StatusCode, err: fmt.Errorf("failed to parse metadata: %w", err)}
	}

	if err := out.Validate(); err != nil {
		return &candidateError{url: docURL, status: resp.StatusCode, err: err}
	}

	return nil
}
