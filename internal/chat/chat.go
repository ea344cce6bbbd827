// Package chat is the client for the messaging platform, a generic pub/sub
// plus file-attachment surface with cursor-paginated channel listing.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Message struct {
	ID      string `json:"id"`
	Channel string `json:"channel"`
	Text    string `json:"text"`
	TS      string `json:"ts"`
}

type File struct {
	ID string `json:"id"`
}

type apiResponse struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error"`
	Cursor  string          `json:"next_cursor"`
	Payload json.RawMessage `json:"payload"`
}

// ListChannels walks all pagination cursors.
func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	var all []Channel
	cursor := ""
	for {
		path := "/channels.list?limit=200"
		if cursor != "" {
			path += "&cursor=" + url.QueryEscape(cursor)
		}
		var page []Channel
		next, err := c.call(ctx, http.MethodGet, path, nil, &page)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}

// JoinChannel joins the bot to a channel.
func (c *Client) JoinChannel(ctx context.Context, channelID string) error {
	_, err := c.call(ctx, http.MethodPost, "/channels.join", map[string]any{"channel": channelID}, nil)
	return err
}

// Invite adds members to a channel.
func (c *Client) Invite(ctx context.Context, channelID string, memberIDs []string) error {
	_, err := c.call(ctx, http.MethodPost, "/channels.invite", map[string]any{
		"channel": channelID,
		"members": memberIDs,
	}, nil)
	return err
}

// PostMessage publishes a message and returns its handle.
func (c *Client) PostMessage(ctx context.Context, channelID, text string) (Message, error) {
	var msg Message
	_, err := c.call(ctx, http.MethodPost, "/messages.post", map[string]any{
		"channel": channelID,
		"text":    text,
	}, &msg)
	return msg, err
}

// UploadFile attaches a file to a channel with an initial comment.
func (c *Client) UploadFile(ctx context.Context, channelID, filename string, content []byte, comment string) (File, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return File{}, err
	}
	if _, err := part.Write(content); err != nil {
		return File{}, err
	}
	if err := mw.WriteField("channel", channelID); err != nil {
		return File{}, err
	}
	if err := mw.WriteField("comment", comment); err != nil {
		return File{}, err
	}
	if err := mw.Close(); err != nil {
		return File{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/files.upload", &buf)
	if err != nil {
		return File{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var file File
	_, err = c.send(req, &file)
	return file, err
}

// DeleteMessage removes a previously posted message.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	_, err := c.call(ctx, http.MethodPost, "/messages.delete", map[string]any{
		"channel": channelID,
		"message": messageID,
	}, nil)
	return err
}

// DeleteFile removes an uploaded file.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	_, err := c.call(ctx, http.MethodPost, "/files.delete", map[string]any{"file": fileID}, nil)
	return err
}

// History fetches the most recent channel messages, newest first.
func (c *Client) History(ctx context.Context, channelID string, limit int) ([]Message, error) {
	var msgs []Message
	path := "/channels.history?channel=" + url.QueryEscape(channelID) + "&limit=" + strconv.Itoa(limit)
	_, err := c.call(ctx, http.MethodGet, path, nil, &msgs)
	return msgs, err
}

// MemberByEmail resolves a member id from an email address.
func (c *Client) MemberByEmail(ctx context.Context, email string) (string, error) {
	var member struct {
		ID string `json:"id"`
	}
	path := "/members.lookup?email=" + url.QueryEscape(email)
	_, err := c.call(ctx, http.MethodGet, path, nil, &member)
	return member.ID, err
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) (string, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return "", err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return "", err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) (string, error) {
	req.Header.Set("Authorization", "Bearer "+c.Token)
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("chat read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("chat %s %s: status %d", req.Method, req.URL.Path, res.StatusCode)
	}
	var env apiResponse
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("chat decode response: %w", err)
	}
	if !env.OK {
		msg := env.Error
		if msg == "" {
			msg = "request failed"
		}
		return "", fmt.Errorf("chat %s %s: %s", req.Method, req.URL.Path, msg)
	}
	if out != nil && env.Payload != nil {
		if err := json.Unmarshal(env.Payload, out); err != nil {
			return "", fmt.Errorf("chat decode payload: %w", err)
		}
	}
	return env.Cursor, nil
}
