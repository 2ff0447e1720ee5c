package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmq-go/fmq/pkg/property"
)

func TestParseChannelConfig(t *testing.T) {
	props, err := ParseChannelConfig("name=data,type=push,method=bind,address=tcp://*:5555,address=ipc:///tmp/d,rateLogging=1")
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"chans.data.0.type":        "push",
		"chans.data.0.method":      "bind",
		"chans.data.0.rateLogging": "1",
		"chans.data.0.address":     "tcp://*:5555",
		"chans.data.1.type":        "push",
		"chans.data.1.method":      "bind",
		"chans.data.1.rateLogging": "1",
		"chans.data.1.address":     "ipc:///tmp/d",
	}, props)
}

func TestParseChannelConfigNumSockets(t *testing.T) {
	props, err := ParseChannelConfig("name=out,type=pub,numSockets=3")
	require.NoError(t, err)

	for i := range 3 {
		assert.Equal(t, "pub", props[property.ChannelKey("out", i, "type")])
	}
	assert.Len(t, props, 3)
}

func TestParseChannelConfigErrors(t *testing.T) {
	_, err := ParseChannelConfig("type=push,address=tcp://*:1")
	assert.ErrorIs(t, err, ErrMissingName)

	_, err = ParseChannelConfig("name=x,colour=blue")
	assert.ErrorIs(t, err, ErrUnknownOption)

	_, err = ParseChannelConfig("name=x,numSockets=-2")
	assert.ErrorIs(t, err, ErrInvalidValue)
}

const deviceYAML = `
id: sampler1
transport: shmem
rate: 50.5
chans:
  data:
    - type: push
      method: bind
      address: tcp://*:5555
channels:
  - name: ctrl
    type: pair
    method: connect
    sockets:
      - address: inproc://a
      - address: inproc://b
`

func TestParseYAML(t *testing.T) {
	props, err := ParseYAML([]byte(deviceYAML))
	require.NoError(t, err)

	assert.Equal(t, "sampler1", props["id"])
	assert.Equal(t, "shmem", props["transport"])
	assert.Equal(t, 50.5, props["rate"])
	assert.Equal(t, "push", props["chans.data.0.type"])
	assert.Equal(t, "tcp://*:5555", props["chans.data.0.address"])
	assert.Equal(t, "pair", props["chans.ctrl.0.type"])
	assert.Equal(t, "inproc://a", props["chans.ctrl.0.address"])
	assert.Equal(t, "connect", props["chans.ctrl.1.method"])
	assert.Equal(t, "inproc://b", props["chans.ctrl.1.address"])
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.yaml")
	require.NoError(t, os.WriteFile(path, []byte(deviceYAML), 0o600))

	props, err := LoadYAML(path)
	require.NoError(t, err)
	assert.Equal(t, "sampler1", props["id"])

	_, err = LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = ParseYAML([]byte("channels: [{type: push}]"))
	assert.ErrorIs(t, err, ErrMissingName)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("FMQ_ID", "env-device")
	t.Setenv("FMQ_SHM_SEGMENT_SIZE", "1048576")
	t.Setenv("FMQ_CHANNEL_CONFIG", "name=in,type=pull,address=inproc://x; name=out,type=push,address=inproc://y")

	env, err := LoadEnv()
	require.NoError(t, err)
	assert.Nil(t, env.Session)

	props, err := env.Properties()
	require.NoError(t, err)
	assert.Equal(t, "env-device", props["id"])
	assert.Equal(t, uint64(1048576), props["shm-segment-size"])
	assert.Equal(t, "pull", props["chans.in.0.type"])
	assert.Equal(t, "inproc://y", props["chans.out.0.address"])
	assert.NotContains(t, props, "session")
}

func TestApplyToLaterSourceWins(t *testing.T) {
	store := property.NewStore(nil)
	ApplyTo(store,
		map[string]any{"id": "file", "session": "s1"},
		map[string]any{"id": "env"},
	)

	id, err := store.GetString("id")
	require.NoError(t, err)
	assert.Equal(t, "env", id)
	assert.Equal(t, "s1", store.GetAsString("session"))
}
