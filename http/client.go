package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/spacegrid/spacekeeper"
	"golang.org/x/net/http2"
)

// Client represents a client for the node status API.
type Client struct {
	// Underlying HTTP client
	HTTPClient *http.Client
}

// NewClient returns an instance of Client.
func NewClient() *Client {
	return &Client{
		HTTPClient: &http.Client{
			Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLS: func(network, addr string, cfg *tls.Config) (net.Conn, error) {
					return net.Dial(network, addr) // h2c-only right now
				},
			},
		},
	}
}

// Status returns the status of the node serving at rawurl.
func (c *Client) Status(ctx context.Context, rawurl string) (status spacekeeper.NodeStatus, err error) {
	u, err := endpointURL(rawurl, StatusPath)
	if err != nil {
		return status, err
	}

	req, err := http.NewRequest("GET", u, nil)
	if err != nil {
		return status, err
	}
	req = req.WithContext(ctx)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return status, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("invalid response: code=%d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}

// Copy opens a space copy stream from the primary at rawurl. The caller must
// close the returned reader.
func (c *Client) Copy(ctx context.Context, rawurl string) (io.ReadCloser, error) {
	u, err := endpointURL(rawurl, CopyPath)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest("GET", u, nil)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	} else if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("invalid response: code=%d msg=%q", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return resp.Body, nil
}
