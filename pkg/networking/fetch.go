// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultMaxResponseSize is the default maximum response body size (100 KiB).
const DefaultMaxResponseSize = 100 * 1024

// ErrTimeout wraps deadline failures on outbound fetches so callers can
// surface a typed timeout error.
var ErrTimeout = errors.New("outbound fetch timed out")

// FetchOption configures a fetch request.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	maxResponseSize int64
	accept          string
	retries         uint
}

func newFetchOptions() *fetchOptions {
	return &fetchOptions{
		maxResponseSize: DefaultMaxResponseSize,
		retries:         0,
	}
}

// WithMaxResponseSize caps the response body size.
func WithMaxResponseSize(size int64) FetchOption {
	return func(o *fetchOptions) { o.maxResponseSize = size }
}

// WithAccept sets the Accept header.
func WithAccept(contentType string) FetchOption {
	return func(o *fetchOptions) { o.accept = contentType }
}

// WithRetries enables capped exponential-backoff retries on transport
// failures. Non-2xx responses are not retried.
func WithRetries(n uint) FetchOption {
	return func(o *fetchOptions) { o.retries = n }
}

// FetchBody performs a GET and returns the size-capped response body.
// A body one byte over the cap is rejected rather than truncated, so a
// hostile endpoint cannot smuggle a partial document past the caller.
func FetchBody(ctx context.Context, client *http.Client, requestURL string, opts ...FetchOption) ([]byte, error) {
	options := newFetchOptions()
	for _, opt := range opts {
		opt(options)
	}

	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		if options.accept != "" {
			req.Header.Set("Accept", options.accept)
		}

		resp, err := client.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil, backoff.Permanent(fmt.Errorf("%w: %w", ErrTimeout, err))
			}
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return nil, backoff.Permanent(fmt.Errorf("HTTP request to %s failed with status %d", requestURL, resp.StatusCode))
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, options.maxResponseSize+1))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to read response body: %w", err))
		}
		if int64(len(body)) > options.maxResponseSize {
			return nil, backoff.Permanent(fmt.Errorf("response from %s exceeds the %d byte cap", requestURL, options.maxResponseSize))
		}
		return body, nil
	}

	if options.retries == 0 {
		return operation()
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(options.retries+1),
		backoff.WithMaxElapsedTime(30*time.Second),
	)
}

// FetchJSON performs a GET and parses the JSON response body into T.
func FetchJSON[T any](ctx context.Context, client *http.Client, requestURL string, opts ...FetchOption) (*T, error) {
	allOpts := append([]FetchOption{WithAccept("application/json")}, opts...)
	body, err := FetchBody(ctx, client, requestURL, allOpts...)
	if err != nil {
		return nil, err
	}

	var data T
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return &data, nil
}
