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

package gmail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// newTestClient points a client at an httptest server for both the API and
// the token endpoint.
func newTestClient(server *httptest.Server) *Client {
	c := NewClient("client-id", "client-secret", server.URL+"/token", server.URL)
	c.httpClient = server.Client()
	return c
}

func TestAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		if got := r.Form.Get("refresh_token"); got != "1//stored-refresh" {
			t.Errorf("refresh_token = %q", got)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "ya29.fresh",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	c := newTestClient(server)

	token, err := c.AccessToken(context.Background(), "1//stored-refresh")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "ya29.fresh" {
		t.Errorf("token = %q, want ya29.fresh", token)
	}
}

func TestAccessToken_InvalidGrantIsAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "invalid_grant", "error_description": "Token has been revoked."}`))
	}))
	defer server.Close()

	c := newTestClient(server)

	_, err := c.AccessToken(context.Background(), "1//revoked")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsAuthError(err) {
		t.Errorf("IsAuthError(%v) = false, want true", err)
	}
}

func TestListMessages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		q := r.URL.Query()
		if q.Get("startHistoryId") != "4200" {
			t.Errorf("startHistoryId = %q, want 4200", q.Get("startHistoryId"))
		}
		if q.Get("maxResults") != "50" {
			t.Errorf("maxResults = %q, want 50", q.Get("maxResults"))
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messages": [{"id": "m1", "threadId": "t1"}, {"id": "m2", "threadId": "t2"}]}`))
	}))
	defer server.Close()

	c := newTestClient(server)

	refs, err := c.ListMessages(context.Background(), "tok", "4200", 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(refs) != 2 || refs[0].ID != "m1" || refs[1].ID != "m2" {
		t.Errorf("refs = %+v", refs)
	}
}

func TestListMessages_EmptyMailbox(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	refs, err := newTestClient(server).ListMessages(context.Background(), "tok", "", 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("refs = %+v, want none", refs)
	}
}

func TestGetMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/messages/m1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("format"); got != "metadata" {
			t.Errorf("format = %q, want metadata", got)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "m1",
			"threadId": "t1",
			"historyId": "4321",
			"snippet": "¥10,000 received from YAMADA TARO",
			"internalDate": "1773302400000",
			"payload": {"headers": [
				{"name": "From", "value": "Example Bank <bank@example.com>"},
				{"name": "Subject", "value": "Transfer Notice"},
				{"name": "Date", "value": "Mon, 2 Mar 2026 10:00:00 +0900"}
			]}
		}`))
	}))
	defer server.Close()

	msg, err := newTestClient(server).GetMessage(context.Background(), "tok", "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg == nil {
		t.Fatal("msg is nil")
	}
	if msg.HistoryID != "4321" {
		t.Errorf("historyId = %q", msg.HistoryID)
	}
	if msg.From != "Example Bank <bank@example.com>" {
		t.Errorf("from = %q", msg.From)
	}
	if msg.Subject != "Transfer Notice" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if msg.Snippet == "" || msg.Date == "" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.ReceivedAt.IsZero() {
		t.Error("ReceivedAt not set")
	}
}

func TestGetMessage_NotFoundReturnsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	msg, err := newTestClient(server).GetMessage(context.Background(), "tok", "gone")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg != nil {
		t.Errorf("msg = %+v, want nil", msg)
	}
}

func TestGetMessage_AuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := newTestClient(server).GetMessage(context.Background(), "expired", "m1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsAuthError(err) {
		t.Errorf("IsAuthError(%v) = false, want true", err)
	}
}

func TestStatusError_Temporary(t *testing.T) {
	cases := map[int]bool{
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusServiceUnavailable:  true,
		http.StatusUnauthorized:        false,
		http.StatusNotFound:            false,
	}
	for code, want := range cases {
		if got := (&StatusError{Code: code}).Temporary(); got != want {
			t.Errorf("Temporary(%d) = %v, want %v", code, got, want)
		}
	}
}
