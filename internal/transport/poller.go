package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrUnexpectedStatus is returned when the simulation answers with a non-2xx status.
var ErrUnexpectedStatus = errors.New("transport: unexpected status")

// Options configures a Poller.
type Options struct {
	URL     string
	Timeout time.Duration
	Retries int
	// RetryWait is the initial backoff between retries within one fetch.
	RetryWait time.Duration
	UserAgent string
}

// Poller fetches the raw snapshot document from the simulation server.
type Poller struct {
	client *resty.Client
	url    string
}

// NewPoller builds a resty client with timeout and retry policy applied.
func NewPoller(opts Options) (*Poller, error) {
	if opts.URL == "" {
		return nil, errors.New("transport: url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 50 * time.Millisecond
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "swarmview-mirror"
	}
	client := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", opts.UserAgent).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() >= http.StatusInternalServerError
		})
	return &Poller{client: client, url: opts.URL}, nil
}

// Fetch performs one GET, including retries, and returns the response body.
func (p *Poller) Fetch(ctx context.Context) ([]byte, error) {
	//1.- Retries on errors and 5xx happen inside the client.
	resp, err := p.client.R().SetContext(ctx).Get(p.url)
	if err != nil {
		return nil, fmt.Errorf("transport: fetch %s: %w", p.url, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, fmt.Errorf("%w: %s from %s", ErrUnexpectedStatus, resp.Status(), p.url)
	}
	return resp.Body(), nil
}
