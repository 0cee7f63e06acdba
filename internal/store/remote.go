package store

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
)

// RemoteStore talks to an external persistence service over HTTP.
type RemoteStore struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemoteStore creates a client for the persistence service at baseURL.
func NewRemoteStore(baseURL string) *RemoteStore {
	return &RemoteStore{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ErrorResponse represents an error response from the persistence service.
type ErrorResponse struct {
	Error string `json:"error"`
}

type deleteResponse struct {
	Deleted bool `json:"deleted"`
}

type onlineRequest struct {
	Online bool `json:"online"`
}

type membersResponse struct {
	Members []string `json:"members"`
}

// CreateMessage calls POST /internal/messages.
func (c *RemoteStore) CreateMessage(ctx context.Context, msg NewMessage) (*Message, error) {
	msg.MessageType = messageType(msg.MessageType)
	var out Message
	if err := c.do(ctx, http.MethodPost, "/internal/messages", msg, &out); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return &out, nil
}

// DeleteMessage calls DELETE /internal/messages/{id}?user_id=.
func (c *RemoteStore) DeleteMessage(ctx context.Context, id, userID string) (bool, error) {
	path := "/internal/messages/" + url.PathEscape(id) + "?user_id=" + url.QueryEscape(userID)
	var out deleteResponse
	if err := c.do(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	return out.Deleted, nil
}

// SetUserOnline calls PUT /internal/users/{id}/online.
func (c *RemoteStore) SetUserOnline(ctx context.Context, userID string, online bool) error {
	path := "/internal/users/" + url.PathEscape(userID) + "/online"
	if err := c.do(ctx, http.MethodPut, path, onlineRequest{Online: online}, nil); err != nil {
		return fmt.Errorf("set user online: %w", err)
	}
	return nil
}

// GetChannelMembers calls GET /internal/channels/{id}/members.
func (c *RemoteStore) GetChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	path := "/internal/channels/" + url.PathEscape(channelID) + "/members"
	var out membersResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("get channel members: %w", err)
	}
	return out.Members, nil
}

// Close releases idle connections.
func (c *RemoteStore) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *RemoteStore) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call persistence service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("persistence service error: %s", errResp.Error)
		}
		return fmt.Errorf("persistence service returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
