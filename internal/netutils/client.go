package netutils

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// NewInsecureClient returns an http.Client that skips certificate verification.
// Controllers on the private network usually run with self-signed certificates.
func NewInsecureClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}

// APIError is a non-2xx controller response.
type APIError struct {
	Code      int    `json:"-"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Needed    *int   `json:"needed,omitempty"`
	Available *int   `json:"available,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("controller returned %d", e.Code)
	}
	return fmt.Sprintf("controller returned %d: %s", e.Code, e.Message)
}

// Client calls the controller API with a bearer token.
type Client struct {
	BaseURL  string
	Token    string
	HTTP     *http.Client
	insecure bool
}

func NewClient(baseURL, token string, insecure bool) *Client {
	c := &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Token:    token,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
		insecure: insecure,
	}
	if insecure {
		c.HTTP = NewInsecureClient()
		c.HTTP.Timeout = 30 * time.Second
	}
	return c
}

// Do sends body as JSON and decodes the response into out when out is not nil.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Code: resp.StatusCode}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Dial opens a websocket to path. Browsers cannot set headers on websockets,
// so the token travels as a query parameter like the web console sends it.
func (c *Client) Dial(ctx context.Context, path string) (*websocket.Conn, error) {
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("token", c.Token)
	u.RawQuery = q.Encode()

	dialer := *websocket.DefaultDialer
	if c.insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Code: resp.StatusCode, Message: resp.Status}
		}
		return nil, err
	}
	return conn, nil
}
