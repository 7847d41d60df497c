// Package api is the HTTP client for the farm-management backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zangezia/fieldsync/pkg/models"
)

const (
	defaultUserAgent = "fieldsync/1.0"
	maxErrorBody     = 64 << 10
)

// TokenSource returns the bearer token to send, or "" to send none
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// Client talks to the backend REST API
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	token     TokenSource
	userAgent string
}

// NewClient builds a client for baseURL, e.g. http://localhost:4000/api
func NewClient(baseURL string, timeout time.Duration, token TokenSource) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api base url %q: %w", baseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q: scheme and host required", baseURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if token == nil {
		token = StaticToken("")
	}
	return &Client{
		baseURL:   base,
		http:      &http.Client{Timeout: timeout},
		token:     token,
		userAgent: defaultUserAgent,
	}, nil
}

// BaseURL returns the configured base URL
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

type createRecord struct {
	SubjectID                 *int   `json:"subject_id,omitempty"`
	PenVariableTypeOfObjectID int    `json:"pen_variable_type_of_object_id"`
	Value                     string `json:"value"`
	ReportID                  int    `json:"report_id"`
}

type createBody struct {
	Name           *string        `json:"name,omitempty"`
	TypeOfObjectID *int           `json:"type_of_object_id,omitempty"`
	SubjectID      *int           `json:"subject_id,omitempty"`
	Measurements   []createRecord `json:"measurements"`
}

type updateRecord struct {
	ID    int    `json:"id"`
	Value string `json:"value"`
}

type updateBody struct {
	Name         *string        `json:"name,omitempty"`
	SubjectID    *int           `json:"subject_id,omitempty"`
	Measurements []updateRecord `json:"measurements"`
}

// BulkCreate posts a bulk create and returns the created rows in input
// order. Device-local fields are not sent.
func (c *Client) BulkCreate(ctx context.Context, dto models.CreateBulkMeasurement) ([]models.Measurement, error) {
	body := createBody{
		Name:           dto.Name,
		TypeOfObjectID: dto.TypeOfObjectID,
		SubjectID:      dto.SubjectID,
		Measurements:   make([]createRecord, 0, len(dto.Measurements)),
	}
	for _, m := range dto.Measurements {
		body.Measurements = append(body.Measurements, createRecord{
			SubjectID:                 m.SubjectID,
			PenVariableTypeOfObjectID: m.PenVariableTypeOfObjectID,
			Value:                     m.Value,
			ReportID:                  m.ReportID,
		})
	}

	var created []models.Measurement
	if err := c.do(ctx, http.MethodPost, "/measurements", body, &created); err != nil {
		return nil, err
	}
	return created, nil
}

// BulkUpdate patches existing measurements. Every item must already carry a
// server id.
func (c *Client) BulkUpdate(ctx context.Context, dto models.UpdateBulkMeasurement) ([]models.Measurement, error) {
	body := updateBody{
		Name:         dto.Name,
		SubjectID:    dto.SubjectID,
		Measurements: make([]updateRecord, 0, len(dto.Measurements)),
	}
	for i, m := range dto.Measurements {
		if m.ID <= 0 {
			return nil, fmt.Errorf("measurements[%d] has no server id (client_ref %q)", i, m.ClientRef)
		}
		body.Measurements = append(body.Measurements, updateRecord{ID: m.ID, Value: m.Value})
	}

	var updated []models.Measurement
	if err := c.do(ctx, http.MethodPatch, "/measurements/bulkUpdate", body, &updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// Get fetches path (relative to the base URL, may carry a query) into dest
func (c *Client) Get(ctx context.Context, path string, dest any) error {
	return c.do(ctx, http.MethodGet, path, nil, dest)
}

// Health probes the backend. Any HTTP response means it is reachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Method: http.MethodGet, Path: "/health", Err: err}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	rel, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}
	base := *c.baseURL
	base.Path = strings.TrimRight(base.Path, "/") + "/"
	target := base.ResolveReference(rel)

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read api token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Method: method, Path: path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s %s: %w", method, path, ErrAuthExpired)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Method: method, Path: path, Code: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil {
			serr.Message = eb.text()
		} else {
			serr.Message = strings.TrimSpace(string(raw))
		}
		return serr
	}

	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w: %w", method, path, ErrUndecodableResponse, err)
	}
	return nil
}
