// Package nutanix implements a minimal Prism Central API client
// covering the operations a disk migration needs: VM lookup,
// virtual disk discovery, and disk image export.
package nutanix

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const DefaultPort = 9440

// ResponseError represents a non-2xx answer from the Prism API.
type ResponseError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("prism: %s %s failed with status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	if e, ok := err.(*ResponseError); ok {
		return e.StatusCode == http.StatusNotFound
	}

	return false
}

// Client talks to a single Prism Central endpoint using basic
// authentication. All methods are safe for concurrent use.
type Client struct {
	endpoint string
	username string
	password string

	// overrides the https://endpoint:9440 prefix in tests
	baseurl string

	hc *http.Client
}

func NewClient(endpoint, username, password string, insecure bool) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		endpoint: endpoint,
		username: username,
		password: password,
		hc: &http.Client{
			Transport: transport,
			Timeout:   5 * time.Minute,
		},
	}
}

func (c *Client) baseURL() string {
	if c.baseurl != "" {
		return c.baseurl
	}

	return fmt.Sprintf("https://%s:%d", c.endpoint, DefaultPort)
}

func (c *Client) do(ctx context.Context, method, url string, payload, result interface{}) error {
	var body io.Reader

	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}

	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return &ResponseError{
			Method:     method,
			URL:        url,
			StatusCode: resp.StatusCode,
			Body:       string(bytes.TrimSpace(b)),
		}
	}

	if result == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

func (c *Client) v3(ctx context.Context, method, endpoint string, payload, result interface{}) error {
	return c.do(ctx, method, c.baseURL()+"/api/nutanix/v3/"+endpoint, payload, result)
}
