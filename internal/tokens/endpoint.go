package tokens

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"

	"mcpauth/internal/transport"
	"mcpauth/pkg/oauth"
)

// clientCredentials identifies the client at the token endpoint.
type clientCredentials struct {
	ClientID     string
	ClientSecret string
	AuthMethod   string
}

// postForm sends an application/x-www-form-urlencoded request to a token or
// revocation endpoint, authenticating the client as its method requires.
func postForm(ctx context.Context, fetcher transport.Fetcher, endpoint string, form url.Values, client clientCredentials) (*transport.Response, error) {
	header := make(http.Header)
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	header.Set("Accept", "application/json")

	switch {
	case client.ClientSecret != "" && client.AuthMethod == oauth.AuthMethodClientSecretBasic:
		// RFC 6749 section 2.3.1: credentials are form-encoded before base64
		creds := url.QueryEscape(client.ClientID) + ":" + url.QueryEscape(client.ClientSecret)
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
	case client.ClientSecret != "":
		form.Set("client_id", client.ClientID)
		form.Set("client_secret", client.ClientSecret)
	default:
		form.Set("client_id", client.ClientID)
	}

	return fetcher.Fetch(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    endpoint,
		Header: header,
		Body:   []byte(form.Encode()),
	})
}

// requestToken performs a token request and decodes a successful response.
//
// Responses carrying an OAuth error body, and any other 4xx, are returned as
// *oauth2.RetrieveError. A 5xx without an error body is a transport failure.
func requestToken(ctx context.Context, fetcher transport.Fetcher, endpoint string, form url.Values, client clientCredentials) (*oauth.TokenResponse, error) {
	resp, err := postForm(ctx, fetcher, endpoint, form, client)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, tokenError(endpoint, resp)
	}

	var tokenResp oauth.TokenResponse
	if err := json.Unmarshal(resp.Body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if err := tokenResp.Validate(); err != nil {
		return nil, err
	}
	return &tokenResp, nil
}

func tokenError(endpoint string, resp *transport.Response) error {
	var errResp oauth.ErrorResponse
	hasErrorBody := json.Unmarshal(resp.Body, &errResp) == nil && errResp.Error != ""

	// A throttled or failing server says nothing about the grant itself.
	if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && !hasErrorBody) {
		return &oauth.TransportError{
			Method:     http.MethodPost,
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Retryable:  true,
		}
	}

	return &oauth2.RetrieveError{
		Response: &http.Response{
			StatusCode: resp.StatusCode,
			Status:     fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
			Header:     resp.Header,
			Body:       io.NopCloser(bytes.NewReader(resp.Body)),
		},
		Body:             resp.Body,
		ErrorCode:        errResp.Error,
		ErrorDescription: errResp.ErrorDescription,
		ErrorURI:         errResp.ErrorURI,
	}
}
