package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liteclaw/devicegate/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func statusServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			writeJSON(w, http.StatusNotFound, types.Err(types.ErrCodeNotFound, "not found"))
			return
		}
		writeJSON(w, http.StatusOK, types.OK(types.Status{
			Status:      "running",
			Version:     "v1.0.0",
			Uptime:      "1h0m0s",
			Connections: 3,
			Sessions:    2,
			Instances:   2,
			Capacity:    10,
			Traffic:     types.Traffic{BytesIn: 2048, FramesIn: 12},
			Jobs:        []types.Job{{Name: "connections", Every: "15s", LastStatus: "ok"}},
			GoVersion:   "go1.22",
			Arch:        "amd64",
			OS:          "linux",
		}))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestStatusCommand_Running(t *testing.T) {
	isolateState(t, "")
	server := statusServer(t)

	cmd := NewStatusCommand()
	b := bytes.NewBufferString("")
	cmd.SetOut(b)
	cmd.SetArgs([]string{"--api", server.URL})

	require.NoError(t, cmd.Execute())

	out := b.String()
	assert.Contains(t, out, "✓ Running")
	assert.Contains(t, out, "Version:     v1.0.0")
	assert.Contains(t, out, "Connections: 3 (2 logged in)")
	assert.Contains(t, out, "Instances:   2 / 10")
	assert.Contains(t, out, "2.0 KB in")
	assert.Contains(t, out, "connections")
}

func TestStatusCommand_NotRunning(t *testing.T) {
	isolateState(t, "")

	cmd := NewStatusCommand()
	b := bytes.NewBufferString("")
	cmd.SetOut(b)
	cmd.SetArgs([]string{"--api", "127.0.0.1:1"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, b.String(), "✗ Not running")
}

func TestStatusCommand_JSON(t *testing.T) {
	isolateState(t, "")
	server := statusServer(t)

	cmd := NewStatusCommand()
	b := bytes.NewBufferString("")
	cmd.SetOut(b)
	cmd.SetArgs([]string{"--api", server.URL, "--json"})

	require.NoError(t, cmd.Execute())

	var resp types.Status
	require.NoError(t, json.Unmarshal(b.Bytes(), &resp))
	assert.Equal(t, "v1.0.0", resp.Version)
	assert.Equal(t, 2, resp.Sessions)
}

func TestAPIBaseURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:7780", apiBaseURL(""))
	assert.Equal(t, "http://127.0.0.1:9000", apiBaseURL(":9000"))
	assert.Equal(t, "http://127.0.0.1:9000", apiBaseURL("0.0.0.0:9000"))
	assert.Equal(t, "http://10.0.0.5:9000", apiBaseURL("10.0.0.5:9000"))
	assert.Equal(t, "https://gw.example.com", apiBaseURL("https://gw.example.com/"))
}
