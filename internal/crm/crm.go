// Package crm is the client for the external record system, a generic CRUD
// surface over activities and deals. All responses arrive in a
// {success,data} envelope.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crewline/internal/domain"
)

const (
	defaultTimeout = 10 * time.Second
	// Mutating calls retry transient failures a small fixed number of
	// times with a fixed backoff.
	mutationRetries = 2
	retryBackoff    = 500 * time.Millisecond
)

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// Backoff between mutation retries; overridable in tests.
	Backoff time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
		Backoff:    retryBackoff,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Activity fetches one activity by id.
func (c *Client) Activity(ctx context.Context, id string) (domain.Activity, error) {
	var act domain.Activity
	err := c.get(ctx, "/activities/"+url.PathEscape(id), &act)
	return act, err
}

// Deal fetches one deal by id.
func (c *Client) Deal(ctx context.Context, id string) (domain.Deal, error) {
	var deal domain.Deal
	err := c.get(ctx, "/deals/"+url.PathEscape(id), &deal)
	return deal, err
}

// OpenActivities lists all open (not done) activities.
func (c *Client) OpenActivities(ctx context.Context) ([]domain.Activity, error) {
	var acts []domain.Activity
	err := c.get(ctx, "/activities?done=0", &acts)
	return acts, err
}

// DealActivities lists the open activities of one deal.
func (c *Client) DealActivities(ctx context.Context, dealID string) ([]domain.Activity, error) {
	var acts []domain.Activity
	err := c.get(ctx, "/deals/"+url.PathEscape(dealID)+"/activities?done=0", &acts)
	return acts, err
}

// UpdateActivity patches activity fields, retrying transient failures.
func (c *Client) UpdateActivity(ctx context.Context, id string, fields map[string]any) error {
	return c.mutate(ctx, http.MethodPut, "/activities/"+url.PathEscape(id), fields, nil)
}

// UpdateSubject rewrites the activity label.
func (c *Client) UpdateSubject(ctx context.Context, id, subject string) error {
	return c.UpdateActivity(ctx, id, map[string]any{"subject": subject})
}

// MarkDone flags the activity completed.
func (c *Client) MarkDone(ctx context.Context, id string) error {
	return c.UpdateActivity(ctx, id, map[string]any{"done": true})
}

// CreateNote attaches a note to a deal.
func (c *Client) CreateNote(ctx context.Context, dealID, content string) error {
	return c.mutate(ctx, http.MethodPost, "/notes", map[string]any{
		"deal_id": dealID,
		"content": content,
	}, nil)
}

// UploadFile attaches a file to a deal.
func (c *Client) UploadFile(ctx context.Context, dealID, name string, content []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := part.Write(content); err != nil {
		return err
	}
	if err := mw.WriteField("deal_id", dealID); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/files", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.Token)
	return c.send(req, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	return c.send(req, out)
}

func (c *Client) mutate(ctx context.Context, method, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	var last error
	for attempt := 0; attempt <= mutationRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff()):
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.Token)
		last = c.send(req, out)
		if last == nil || !transient(last) {
			return last
		}
	}
	return last
}

// transientError marks failures worth one more attempt.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func transient(err error) bool {
	_, ok := err.(*transientError)
	return ok
}

func (c *Client) send(req *http.Request, out any) error {
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return &transientError{fmt.Errorf("crm %s %s: %w", req.Method, req.URL.Path, err)}
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("crm read response: %w", err)
	}
	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
		return &transientError{fmt.Errorf("crm %s %s: status %d", req.Method, req.URL.Path, res.StatusCode)}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("crm %s %s: status %d: %s", req.Method, req.URL.Path, res.StatusCode, strings.TrimSpace(string(body)))
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("crm decode envelope: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("crm %s %s: %s", req.Method, req.URL.Path, orUnknown(env.Error))
	}
	if out == nil || env.Data == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("crm decode data: %w", err)
	}
	return nil
}

func (c *Client) backoff() time.Duration {
	if c.Backoff <= 0 {
		return retryBackoff
	}
	return c.Backoff
}

func orUnknown(msg string) string {
	if msg == "" {
		return "request failed"
	}
	return msg
}
