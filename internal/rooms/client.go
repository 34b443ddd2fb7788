// Package rooms is a client for the broker's room discovery API. It turns a
// room id into what a session needs to join, and issues guest tokens.
package rooms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ephemeral-chat/internal/directory"
)

var ErrNotFound = errors.New("rooms: not found")

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rooms: %d %s", e.Status, e.Message)
}

type Client struct {
	base  string
	http  *http.Client
	token string
}

// New returns a client for the API rooted at baseURL. hc may be nil.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

// WithToken returns a copy that authenticates its requests.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// CreateRequest describes a new room. Duration is in minutes.
type CreateRequest struct {
	Name       string               `json:"name"`
	Duration   int                  `json:"duration,omitempty"`
	MaxPeople  int                  `json:"maxPeople,omitempty"`
	Visibility directory.Visibility `json:"visibility,omitempty"`
}

// List fetches one page of active public rooms. Zero page or limit use the
// server defaults.
func (c *Client) List(ctx context.Context, page, limit int) (directory.Page, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/rooms"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var p directory.Page
	err := c.do(ctx, http.MethodGet, path, nil, &p)
	return p, err
}

func (c *Client) Get(ctx context.Context, id string) (directory.Room, error) {
	var r directory.Room
	err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(id), nil, &r)
	return r, err
}

// Create registers a room. For private rooms the returned Code is the only
// copy of the join code.
func (c *Client) Create(ctx context.Context, req CreateRequest) (directory.Room, error) {
	var r directory.Room
	err := c.do(ctx, http.MethodPost, "/api/rooms", req, &r)
	return r, err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/rooms/"+url.PathEscape(id), nil, nil)
}

// IssueToken asks the broker for a guest token naming username.
func (c *Client) IssueToken(ctx context.Context, username string) (string, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/token", map[string]string{"username": username}, &resp); err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rooms: encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("rooms: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rooms: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: apiErr.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rooms: decode response: %w", err)
	}
	return nil
}
