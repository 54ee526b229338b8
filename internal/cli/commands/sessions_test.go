package commands

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liteclaw/devicegate/pkg/types"
)

func sessionsServer(t *testing.T, sessions []types.Session) (*httptest.Server, *[]string) {
	t.Helper()
	var kicked []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/sessions":
			writeJSON(w, http.StatusOK, types.OK(sessions))
		case r.Method == http.MethodDelete && r.URL.Path == "/api/sessions/123_456":
			kicked = append(kicked, "123_456")
			w.WriteHeader(http.StatusNoContent)
		default:
			writeJSON(w, http.StatusNotFound, types.Err(types.ErrCodeNotFound, "no session for key"))
		}
	}))
	t.Cleanup(server.Close)
	return server, &kicked
}

func runSessions(t *testing.T, api string, args ...string) (string, error) {
	t.Helper()
	cmd := NewSessionsCommand()
	b := bytes.NewBufferString("")
	cmd.SetOut(b)
	cmd.SetErr(b)
	cmd.SetArgs(append(args, "--api", api))
	err := cmd.Execute()
	return b.String(), err
}

func TestSessionsListCommand(t *testing.T) {
	isolateState(t, "")
	server, _ := sessionsServer(t, []types.Session{
		{ID: "0f1e2d3c-aaaa", SessionKey: "123_456", Remote: "10.0.0.1:5000", State: "AUTHENTICATED", FramesIn: 7, Instance: "b1"},
		{ID: "9a8b7c6d-bbbb", Remote: "10.0.0.2:5001", State: "CONNECTED"},
	})

	out, err := runSessions(t, server.URL, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "123_456")
	assert.Contains(t, out, "0f1e2d3c")
	assert.NotContains(t, out, "0f1e2d3c-aaaa")
	assert.Contains(t, out, "AUTHENTICATED")
	assert.Contains(t, out, "b1")

	out, err = runSessions(t, server.URL, "list", "-n", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "123_456")
	assert.NotContains(t, out, "10.0.0.2:5001")
}

func TestSessionsListCommand_Empty(t *testing.T) {
	isolateState(t, "")
	server, _ := sessionsServer(t, nil)

	out, err := runSessions(t, server.URL, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions found.")
}

func TestSessionsKickCommand(t *testing.T) {
	isolateState(t, "")
	server, kicked := sessionsServer(t, nil)

	out, err := runSessions(t, server.URL, "kick", "123_456")
	require.NoError(t, err)
	assert.Contains(t, out, "Session 123_456 closed")
	assert.Equal(t, []string{"123_456"}, *kicked)

	_, err = runSessions(t, server.URL, "kick", "999_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND: no session for key")
}
