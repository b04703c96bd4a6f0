package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	config, err := Load(path)
	assert.ErrorIs(t, err, ErrCreated)
	assert.Equal(t, ":1883", config.Broker.Address)

	_, err = os.Stat(path)
	require.NoError(t, err)

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, config, reloaded)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"broker": {"address": "127.0.0.1:11883", "max_qos": 1, "retry_interval": "5s", "session_expiry": "2d"},
		"persistence": {"backend": "badger"},
		"debug_mode": true
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:11883", config.Broker.Address)
	assert.Equal(t, byte(1), config.Broker.MaxQoS)
	assert.Equal(t, 5*time.Second, config.Broker.RetryInterval.Std())
	assert.Equal(t, 48*time.Hour, config.Broker.SessionExpiry.Std())
	assert.Equal(t, 1000, config.Broker.QueueLimit)
	assert.Equal(t, 32, config.Broker.MaxInflight)
	assert.Equal(t, 1.5, config.Broker.KeepaliveGrace)
	assert.Equal(t, 10*time.Second, config.Broker.ConnectTimeout.Std())
	assert.Equal(t, "badger", config.Persistence.Backend)
	assert.True(t, config.DebugMode)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"bad duration", `{"broker": {"retry_interval": "soon"}}`},
		{"numeric duration", `{"broker": {"retry_interval": 5}}`},
		{"qos", `{"broker": {"max_qos": 3}}`},
		{"grace", `{"broker": {"keepalive_grace": 0.5}}`},
		{"backend", `{"persistence": {"backend": "redis"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.data), 0644))
			_, err := Load(path)
			assert.Error(t, err)
			assert.NotErrorIs(t, err, ErrCreated)
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	config := Default()
	assert.NoError(t, config.Validate())
	assert.True(t, config.Auth.AllowAnonymous)
	assert.Equal(t, "pub1", config.Auth.Users["pub"])
	assert.Equal(t, time.Hour, config.Broker.SessionExpiry.Std())
	assert.Equal(t, 0.0, config.Broker.AcceptRate)
}
