// Package transport performs the HTTP exchanges needed for discovery,
// registration and token requests.
//
// Callers depend on the Fetcher interface; HTTPFetcher is the production
// implementation. Idempotent requests are retried with bounded exponential
// backoff (github.com/cenkalti/backoff/v5) on transport errors, 429 and 5xx,
// and never on other 4xx statuses. POST requests are sent once. Requests may
// be paced per host with golang.org/x/time/rate.
package transport
