package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigCommand_GetSet(t *testing.T) {
	dir := isolateState(t, "gateway:\n  listen: \":1234\"\n")
	configPath := filepath.Join(dir, "devicegate.yaml")

	b := bytes.NewBufferString("")
	cmd := NewConfigCommand()
	cmd.SetOut(b)
	cmd.SetArgs([]string{"get", "gateway.listen"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, b.String(), ":1234")

	b.Reset()
	cmd = NewConfigCommand()
	cmd.SetOut(b)
	cmd.SetArgs([]string{"set", "instance.capacity", "42"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, b.String(), "Updated instance.capacity = 42")

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "42")
	assert.Contains(t, string(data), ":1234")
}

func TestConfigCommand_GetDefault(t *testing.T) {
	isolateState(t, "")

	b := bytes.NewBufferString("")
	cmd := NewConfigCommand()
	cmd.SetOut(b)
	cmd.SetArgs([]string{"get", "connection.ttl"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, b.String(), "90s")
}

func TestConfigCommand_Show(t *testing.T) {
	isolateState(t, "bind:\n  rotateToken: true\n")
	t.Setenv("DEVICEGATE_GATEWAY_LISTEN", ":8800")

	b := bytes.NewBufferString("")
	cmd := NewConfigCommand()
	cmd.SetOut(b)
	cmd.SetArgs([]string{"show"})
	require.NoError(t, cmd.Execute())

	out := b.String()
	assert.Contains(t, out, "rotatetoken: true")
	assert.Contains(t, out, ":8800")
}

func TestConfigCommand_Init(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DEVICEGATE_STATE_DIR", dir)
	t.Setenv("DEVICEGATE_CONFIG_PATH", "")

	b := bytes.NewBufferString("")
	cmd := NewConfigCommand()
	cmd.SetOut(b)
	cmd.SetArgs([]string{"init"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, b.String(), "Created")
	assert.FileExists(t, filepath.Join(dir, "devicegate.yaml"))

	b.Reset()
	cmd = NewConfigCommand()
	cmd.SetOut(b)
	cmd.SetArgs([]string{"init"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, b.String(), "already exists")
}
