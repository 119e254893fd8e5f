// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gmail is a minimal metadata-only client for the upstream mail API.
// It exchanges a stored refresh token for a short-lived access token, lists
// message ids since a history cursor, and fetches the per-message headers
// the bank patterns need. It never downloads message bodies.
package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/shiharai/reconciler/internal/models"
)

// StatusError is a non-2xx response from the upstream API.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream mail API returned HTTP %d", e.Code)
}

// IsAuth reports whether the status indicates a stale or revoked credential.
func (e *StatusError) IsAuth() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
}

// Temporary reports whether the failure is worth retrying on a later run
// (rate limiting or an upstream 5xx).
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// IsAuthError reports whether err is an authentication failure: HTTP 401/403
// from the API, or a refresh-token exchange rejected by the OAuth endpoint.
// Auth failures cannot self-heal, so callers deactivate the config instead
// of retrying.
func IsAuthError(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.IsAuth()
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" {
			return true
		}
		if retrieveErr.Response != nil {
			code := retrieveErr.Response.StatusCode
			return code == http.StatusUnauthorized || code == http.StatusForbidden
		}
	}

	return false
}

// MessageRef identifies one message from the list endpoint.
type MessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

// Client talks to the upstream mail API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	oauth      *oauth2.Config
}

// NewClient creates a client. clientID/clientSecret are the OAuth client the
// refresh tokens were issued to; tokenURL is the token exchange endpoint.
func NewClient(clientID, clientSecret, tokenURL, baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
	}
}

// AccessToken exchanges a refresh token for a short-lived access token.
func (c *Client) AccessToken(ctx context.Context, refreshToken string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	src := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("refresh token exchange: %w", err)
	}

	return token.AccessToken, nil
}

// listResponse is a page of the message-list endpoint.
type listResponse struct {
	Messages []MessageRef `json:"messages"`
}

// ListMessages returns up to max message refs newer than startHistoryID
// (all recent messages when the cursor is empty).
func (c *Client) ListMessages(ctx context.Context, accessToken, startHistoryID string, max int) ([]MessageRef, error) {
	params := url.Values{}
	params.Set("labelIds", "INBOX")
	params.Set("maxResults", strconv.Itoa(max))
	if startHistoryID != "" {
		params.Set("startHistoryId", startHistoryID)
	}

	endpoint := fmt.Sprintf("%s/users/me/messages?%s", c.baseURL, params.Encode())

	var page listResponse
	if err := c.getJSON(ctx, accessToken, endpoint, &page); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	return page.Messages, nil
}

// detailResponse is the metadata-only message-detail response.
type detailResponse struct {
	ID           string `json:"id"`
	ThreadID     string `json:"threadId"`
	HistoryID    string `json:"historyId"`
	Snippet      string `json:"snippet"`
	InternalDate string `json:"internalDate"` // epoch millis as string
	Payload      struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

// GetMessage fetches the From/Subject/Date headers, snippet, and history id
// of one message. Returns nil for a message deleted upstream (404).
func (c *Client) GetMessage(ctx context.Context, accessToken, messageID string) (*models.Message, error) {
	params := url.Values{}
	params.Set("format", "metadata")
	for _, h := range []string{"From", "Subject", "Date"} {
		params.Add("metadataHeaders", h)
	}

	endpoint := fmt.Sprintf("%s/users/me/messages/%s?%s", c.baseURL, url.PathEscape(messageID), params.Encode())

	var detail detailResponse
	err := c.getJSON(ctx, accessToken, endpoint, &detail)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		slog.Warn("message not found upstream (may have been deleted)", "message_id", messageID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch message %s: %w", messageID, err)
	}

	msg := &models.Message{
		ID:        detail.ID,
		ThreadID:  detail.ThreadID,
		HistoryID: detail.HistoryID,
		Snippet:   detail.Snippet,
	}

	for _, h := range detail.Payload.Headers {
		switch h.Name {
		case "From":
			msg.From = h.Value
		case "Subject":
			msg.Subject = h.Value
		case "Date":
			msg.Date = h.Value
		}
	}

	if millis, err := strconv.ParseInt(detail.InternalDate, 10, 64); err == nil {
		msg.ReceivedAt = time.UnixMilli(millis).UTC()
	} else {
		msg.ReceivedAt = time.Now().UTC()
	}

	return msg, nil
}

// getJSON issues an authenticated GET and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, accessToken, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return &StatusError{Code: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
