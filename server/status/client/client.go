package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	fspath "path"
	"time"
)

// ErrNotFound is returned when the requested resource doesn't exist.
var ErrNotFound = errors.New("not found")

// Client queries the admin status API.
type Client struct {
	httpClient *http.Client

	url *url.URL
}

func NewClient(url *url.URL) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: time.Second * 15,
		},
		url: url,
	}
}

func (c *Client) Request(ctx context.Context, path string) (io.ReadCloser, error) {
	url := new(url.URL)
	*url = *c.url
	url.Path = fspath.Join(url.Path, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("request: %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("request: bad status: %d", resp.StatusCode)
	}

	return resp.Body, nil
}

func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
