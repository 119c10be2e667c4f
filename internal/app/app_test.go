package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *AppConfig {
	return &AppConfig{
		BindAddress:           "0.0.0.0:8080",
		LogLevel:              "INFO",
		StreamerPath:          "./streamer",
		VideoFrameQueueSize:   3,
		AudioSampleQueueSize:  20,
		NegotiationTimeoutSec: 8,
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cfg := validConfig()
	cfg.BindAddress = ""
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.StreamerPath = ""
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.VideoFrameQueueSize = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.NegotiationTimeoutSec = 0
	assert.Error(t, cfg.Validate())
}

func TestIceServersFromConfig(t *testing.T) {
	cfg := validConfig()
	assert.Nil(t, cfg.iceServers())

	cfg.WebRtc.IceServerURLs = []string{"stun:stun.example.com:3478", "turn:turn.example.com:3478"}
	cfg.WebRtc.IceUsername = "user"
	cfg.WebRtc.IceCredential = "secret"

	servers := cfg.iceServers()
	require.Len(t, servers, 1)
	assert.Len(t, servers[0].URLs, 2)
	assert.Equal(t, "user", servers[0].Username)
	assert.Equal(t, "secret", servers[0].Credential)
}
