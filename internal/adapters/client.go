// Package adapters holds generic HTTP JSON implementations of the poller's
// Fetcher and the dispatcher's Sender, plus a passthrough Normalizer.
package adapters

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnexpectedStatus is returned for any response outside the documented set.
var ErrUnexpectedStatus = errors.New("unexpected response status")

const DefaultTimeout = 10 * time.Second

// ClientConfig is shared by the fetcher and the sender.
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newClient(cfg ClientConfig) *client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("%w: %d - %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(body)))
}
