package studiosdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsCredentialsAndDecodes(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.Method + " " + r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"t1","status":"RENDERING","workflow_kind":"legacy","shots":[{"id":"s1","index":0,"prompt":"p"}]}`))
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL + "/")
	c.BearerToken = "tok"
	task, err := c.Approve(context.Background(), "t1", map[int]string{1: "closer crop"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "POST /v1/tasks/t1/approve", gotPath)
	assert.Equal(t, map[string]any{"edited_prompts": map[string]any{"1": "closer crop"}}, gotBody)
	assert.Equal(t, "RENDERING", task.Status)
	require.Len(t, task.Shots, 1)
	assert.Equal(t, "s1", task.Shots[0].ID)
}

func TestClientUsesAPIKeyAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk_1", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "/v1/tasks", r.URL.Path)
		assert.Equal(t, "COMPLETED", r.URL.Query().Get("status"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[{"id":"a"},{"id":"b"}]`))
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL)
	c.APIKey = "sk_1"
	tasks, err := c.ListTasks(context.Background(), "COMPLETED", 5)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestClientParsesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"code":"insufficient_credit","message":"40 credits required, 0 available"}}`))
	}))
	t.Cleanup(srv.Close)

	_, err := New(srv.URL).Start(context.Background(), "t1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusPaymentRequired, apiErr.StatusCode)
	assert.Equal(t, "insufficient_credit", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "40 credits required")
}
