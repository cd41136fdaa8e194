package netbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultPageSize = 1000
)

// API is the REST surface of NetBox used by the sync. Objects are
// exchanged as JSON, so out may be a pointer to any of the types in this
// package or to a slice of them for List.
type API interface {
	Status(ctx context.Context) (*Status, error)
	List(ctx context.Context, kind Kind, q Query, out any) error
	Get(ctx context.Context, kind Kind, id int, out any) error
	Create(ctx context.Context, kind Kind, body any, out any) error
	Update(ctx context.Context, kind Kind, id int, patch any, out any) error
	Delete(ctx context.Context, kind Kind, id int) error
}

// APIError is returned for any non 2xx answer from NetBox.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("netbox %s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsForbidden reports whether NetBox refused the call for lack of
// permission on the API token.
func IsForbidden(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == http.StatusForbidden {
		return true
	}
	body := strings.ToLower(apiErr.Body)
	return strings.Contains(body, "forbidden") || strings.Contains(body, "permission")
}

// Client talks to the NetBox REST API with token authentication.
type Client struct {
	baseURL    string
	token      string
	pageSize   int
	httpClient *http.Client
	log        *zap.SugaredLogger
}

var _ API = (*Client)(nil)

func NewClient(baseURL, token string, timeout time.Duration, pageSize int) *Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	baseURL = strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/api")
	return &Client{
		baseURL:  baseURL,
		token:    token,
		pageSize: pageSize,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: zap.S().Named("netbox"),
	}
}

type page struct {
	Count   int               `json:"count"`
	Next    *string           `json:"next"`
	Results []json.RawMessage `json:"results"`
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var status Status
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/api/status/", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// List fetches every page of kind matching q and decodes the combined
// results into out, which must point to a slice.
func (c *Client) List(ctx context.Context, kind Kind, q Query, out any) error {
	params := url.Values{}
	for k, v := range q {
		params.Set(k, v)
	}
	params.Set("limit", strconv.Itoa(c.pageSize))
	next := fmt.Sprintf("%s/?%s", c.collectionURL(kind), params.Encode())

	var results []json.RawMessage
	for next != "" {
		var p page
		if err := c.do(ctx, http.MethodGet, next, nil, &p); err != nil {
			return err
		}
		results = append(results, p.Results...)
		next = ""
		if p.Next != nil {
			next = *p.Next
		}
	}
	c.log.Debugf("listed %d %s", len(results), kind)

	if results == nil {
		results = []json.RawMessage{}
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return errors.Wrapf(err, "failed to combine %s pages", kind)
	}
	return errors.Wrapf(json.Unmarshal(raw, out), "failed to decode %s", kind)
}

func (c *Client) Get(ctx context.Context, kind Kind, id int, out any) error {
	return c.do(ctx, http.MethodGet, c.objectURL(kind, id), nil, out)
}

func (c *Client) Create(ctx context.Context, kind Kind, body any, out any) error {
	return c.do(ctx, http.MethodPost, c.collectionURL(kind)+"/", body, out)
}

func (c *Client) Update(ctx context.Context, kind Kind, id int, patch any, out any) error {
	return c.do(ctx, http.MethodPatch, c.objectURL(kind, id), patch, out)
}

func (c *Client) Delete(ctx context.Context, kind Kind, id int) error {
	return c.do(ctx, http.MethodDelete, c.objectURL(kind, id), nil, nil)
}

func (c *Client) collectionURL(kind Kind) string {
	return fmt.Sprintf("%s/api/%s", c.baseURL, kind)
}

func (c *Client) objectURL(kind Kind, id int) string {
	return fmt.Sprintf("%s/%d/", c.collectionURL(kind), id)
}

func (c *Client) do(ctx context.Context, method, rawURL string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to call netbox %s %s", method, req.URL.Path)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       req.URL.Path,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "failed to decode response of %s %s", method, req.URL.Path)
	}
	return nil
}

// ListAll is a typed wrapper around API.List.
func ListAll[T any](ctx context.Context, api API, kind Kind, q Query) ([]T, error) {
	var items []T
	if err := api.List(ctx, kind, q, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// FindOne returns the first object of kind matching q, nil when there is none.
func FindOne[T any](ctx context.Context, api API, kind Kind, q Query) (*T, error) {
	items, err := ListAll[T](ctx, api, kind, q)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}
