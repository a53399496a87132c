package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/activitylog/internal/llm"
)

func fakeAPI(t *testing.T, status int, body string, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.NotFound(w, r)
			return
		}
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const okBody = `{
  "id": "msg_01",
  "type": "message",
  "role": "assistant",
  "model": "claude-test",
  "content": [{"type": "text", "text": "You were coding in vim."}],
  "stop_reason": "end_turn",
  "usage": {"input_tokens": 12, "output_tokens": 7}
}`

func TestAnthropicAnswerer_Answer(t *testing.T) {
	var seen map[string]any
	srv := fakeAPI(t, http.StatusOK, okBody, &seen)

	a, err := llm.NewAnthropic(llm.Config{APIKey: "test", BaseURL: srv.URL + "/", Model: "claude-test"})
	require.NoError(t, err)
	assert.Equal(t, "claude-test", a.Model())

	got, err := a.Answer(context.Background(), "what did I do?")
	require.NoError(t, err)
	assert.Equal(t, "You were coding in vim.", got)

	assert.Equal(t, "claude-test", seen["model"])
	assert.EqualValues(t, llm.DefaultMaxTokens, seen["max_tokens"])
	msgs, ok := seen["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
}

func TestAnthropicAnswerer_APIError(t *testing.T) {
	srv := fakeAPI(t, http.StatusBadRequest,
		`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`, nil)

	a, err := llm.NewAnthropic(llm.Config{APIKey: "test", BaseURL: srv.URL + "/"})
	require.NoError(t, err)
	_, err = a.Answer(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm: messages")
}

func TestNewAnthropic_RequiresKey(t *testing.T) {
	_, err := llm.NewAnthropic(llm.Config{})
	assert.ErrorIs(t, err, llm.ErrNoAPIKey)
}
