package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liteclaw/devicegate/pkg/types"
)

func TestBindCreateCommand_SendsRequest(t *testing.T) {
	isolateState(t, "")

	var (
		got  types.CreateBindRequest
		auth string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusCreated, types.OK(types.Bind{
			SessionKey: got.IMEI + "_" + got.IMSI,
			Token:      "generated",
			Endpoints:  got.Endpoints,
			CreatedAt:  time.Now(),
			UpdatedAt:  time.Now(),
		}))
	}))
	defer server.Close()

	cmd := NewBindCommand()
	b := bytes.NewBufferString("")
	cmd.SetOut(b)
	cmd.SetArgs([]string{"create", "--api", server.URL, "--api-token", "op-secret",
		"--imei", "123", "--imsi", "456", "--media", "rtsp://m/1", "--control-tls", "wss://c/1"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, "Bearer op-secret", auth)
	assert.Equal(t, "123", got.IMEI)
	assert.Equal(t, "456", got.IMSI)
	assert.Empty(t, got.Token)
	assert.Equal(t, "rtsp://m/1", got.Endpoints.Media)
	assert.Equal(t, "wss://c/1", got.Endpoints.ControlTLS)
	assert.Contains(t, b.String(), "Bind created for 123_456")
	assert.Contains(t, b.String(), "Token: generated")
}

func TestBindCreateCommand_RequiresIdentity(t *testing.T) {
	isolateState(t, "")

	cmd := NewBindCommand()
	cmd.SetOut(bytes.NewBufferString(""))
	cmd.SetErr(bytes.NewBufferString(""))
	cmd.SetArgs([]string{"create", "--imei", "123"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "imsi")
}

func TestBindDeleteCommand(t *testing.T) {
	isolateState(t, "")

	var deleted string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			writeJSON(w, http.StatusMethodNotAllowed, types.Err(types.ErrCodeInvalidInput, "bad method"))
			return
		}
		deleted = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	cmd := NewBindCommand()
	b := bytes.NewBufferString("")
	cmd.SetOut(b)
	cmd.SetArgs([]string{"rm", "123_456", "--api", server.URL})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "/api/binds/123_456", deleted)
	assert.Contains(t, b.String(), "Bind 123_456 revoked")
}
