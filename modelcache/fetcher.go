package modelcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/phuslu/log"
)

// Fetcher retrieves the bytes behind a URL from the network.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// HTTPStatusError is returned for non-2xx responses.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// HTTPFetcher downloads with GET requests. Transport failures, 429 and 5xx responses are
// retried up to MaxRetries times with exponential backoff from RetryInterval; other
// statuses fail at once.
type HTTPFetcher struct {
	Client        *http.Client
	MaxRetries    int
	RetryInterval time.Duration
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		Client:        http.DefaultClient,
		MaxRetries:    2,
		RetryInterval: 2 * time.Second,
	}
}

func (f *HTTPFetcher) retryClient() *retryablehttp.Client {
	client := retryablehttp.NewClient()
	if f.Client != nil {
		client.HTTPClient = f.Client
	}
	client.RetryMax = max(f.MaxRetries, 0)
	client.RetryWaitMin = f.RetryInterval
	client.RetryWaitMax = 8 * f.RetryInterval
	client.Logger = retryLogger{}
	// the last response is handed back so its status can be reported
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (data []byte, err error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.retryClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, resp.Body.Close())
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPStatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

// retryLogger sends the retry client's messages to the default logger.
type retryLogger struct{}

// Error is logged as a warning: the attempt may still be retried.
func (retryLogger) Error(msg string, keysAndValues ...any) {
	log.Warn().KeysAndValues(keysAndValues...).Msg(msg)
}

func (retryLogger) Info(msg string, keysAndValues ...any) {
	log.Info().KeysAndValues(keysAndValues...).Msg(msg)
}

func (retryLogger) Debug(msg string, keysAndValues ...any) {
	log.Debug().KeysAndValues(keysAndValues...).Msg(msg)
}

func (retryLogger) Warn(msg string, keysAndValues ...any) {
	log.Warn().KeysAndValues(keysAndValues...).Msg(msg)
}
