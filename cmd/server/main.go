package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/couchbridge/server/internal/app"
)

type configVar[T any] struct {
	envKey       string
	flagKey      string
	defaultValue T
}

var (
	bindAddress = configVar[string]{
		envKey:       "SERVER_BIND_ADDRESS",
		flagKey:      "bind-address",
		defaultValue: "0.0.0.0:8080",
	}
	urlPathPrefix = configVar[string]{
		envKey:       "SERVER_URL_PATH_PREFIX",
		flagKey:      "url-path-prefix",
		defaultValue: "",
	}
	logLevel = configVar[string]{
		envKey:       "SERVER_LOG_LEVEL",
		flagKey:      "log-level",
		defaultValue: "INFO",
	}
	streamerPath = configVar[string]{
		envKey:       "SERVER_STREAMER_PATH",
		flagKey:      "streamer-path",
		defaultValue: "./streamer",
	}
	hostAddress = configVar[string]{
		envKey:       "SERVER_HOST_ADDRESS",
		flagKey:      "host-address",
		defaultValue: "",
	}
	hostPort = configVar[int]{
		envKey:       "SERVER_HOST_PORT",
		flagKey:      "host-port",
		defaultValue: 47989,
	}
	clientCertPath = configVar[string]{
		envKey:       "SERVER_CLIENT_CERT",
		flagKey:      "client-cert",
		defaultValue: "",
	}
	clientKeyPath = configVar[string]{
		envKey:       "SERVER_CLIENT_KEY",
		flagKey:      "client-key",
		defaultValue: "",
	}
	serverCertPath = configVar[string]{
		envKey:       "SERVER_HOST_CERT",
		flagKey:      "host-cert",
		defaultValue: "",
	}
	defaultUserID = configVar[int]{
		envKey:       "SERVER_DEFAULT_USER_ID",
		flagKey:      "default-user-id",
		defaultValue: 0,
	}
	usernameHeader = configVar[string]{
		envKey:       "SERVER_USERNAME_HEADER",
		flagKey:      "username-header",
		defaultValue: "",
	}
	autoCreateMissingUser = configVar[bool]{
		envKey:       "SERVER_AUTO_CREATE_MISSING_USER",
		flagKey:      "auto-create-missing-user",
		defaultValue: true,
	}
	requireJoinToken = configVar[bool]{
		envKey:       "SERVER_REQUIRE_JOIN_TOKEN",
		flagKey:      "require-join-token",
		defaultValue: false,
	}
	defaultSettingsJSON = configVar[string]{
		envKey:       "SERVER_DEFAULT_SETTINGS_JSON",
		flagKey:      "default-settings-json",
		defaultValue: "",
	}
	videoFrameQueueSize = configVar[int]{
		envKey:       "SERVER_VIDEO_FRAME_QUEUE_SIZE",
		flagKey:      "video-frame-queue-size",
		defaultValue: 3,
	}
	audioSampleQueueSize = configVar[int]{
		envKey:       "SERVER_AUDIO_SAMPLE_QUEUE_SIZE",
		flagKey:      "audio-sample-queue-size",
		defaultValue: 20,
	}
	negotiationTimeoutSec = configVar[int]{
		envKey:       "SERVER_NEGOTIATION_TIMEOUT_SEC",
		flagKey:      "negotiation-timeout-sec",
		defaultValue: 8,
	}
	iceServerURLs = configVar[[]string]{
		envKey:       "SERVER_ICE_SERVER_URLS",
		flagKey:      "ice-server-urls",
		defaultValue: []string{"stun:stun.l.google.com:19302"},
	}
	iceUsername = configVar[string]{
		envKey:       "SERVER_ICE_USERNAME",
		flagKey:      "ice-username",
		defaultValue: "",
	}
	iceCredential = configVar[string]{
		envKey:       "SERVER_ICE_CREDENTIAL",
		flagKey:      "ice-credential",
		defaultValue: "",
	}
	webrtcPortRangeMin = configVar[int]{
		envKey:       "SERVER_WEBRTC_PORT_RANGE_MIN",
		flagKey:      "webrtc-port-range-min",
		defaultValue: 0,
	}
	webrtcPortRangeMax = configVar[int]{
		envKey:       "SERVER_WEBRTC_PORT_RANGE_MAX",
		flagKey:      "webrtc-port-range-max",
		defaultValue: 0,
	}
	webrtcNat1To1Type = configVar[string]{
		envKey:       "SERVER_WEBRTC_NAT_1TO1_TYPE",
		flagKey:      "webrtc-nat-1to1-type",
		defaultValue: "host",
	}
	webrtcNat1To1IPs = configVar[[]string]{
		envKey:       "SERVER_WEBRTC_NAT_1TO1_IPS",
		flagKey:      "webrtc-nat-1to1-ips",
		defaultValue: nil,
	}
	webrtcNetworkTypes = configVar[[]string]{
		envKey:       "SERVER_WEBRTC_NETWORK_TYPES",
		flagKey:      "webrtc-network-types",
		defaultValue: []string{"udp4", "udp6"},
	}
	redisHost = configVar[string]{
		envKey:       "REDIS_HOST",
		flagKey:      "redis-host",
		defaultValue: "",
	}
	redisPort = configVar[int]{
		envKey:       "REDIS_PORT",
		flagKey:      "redis-port",
		defaultValue: 6379,
	}
	redisPassword = configVar[string]{
		envKey:       "REDIS_PASSWORD",
		flagKey:      "redis-password",
		defaultValue: "",
	}
)

func bindString(v configVar[string], usage string) {
	pflag.String(v.flagKey, v.defaultValue, usage)
	viper.BindEnv(v.flagKey, v.envKey)
	viper.SetDefault(v.flagKey, v.defaultValue)
}

func bindInt(v configVar[int], usage string) {
	pflag.Int(v.flagKey, v.defaultValue, usage)
	viper.BindEnv(v.flagKey, v.envKey)
	viper.SetDefault(v.flagKey, v.defaultValue)
}

func bindBool(v configVar[bool], usage string) {
	pflag.Bool(v.flagKey, v.defaultValue, usage)
	viper.BindEnv(v.flagKey, v.envKey)
	viper.SetDefault(v.flagKey, v.defaultValue)
}

func bindStringSlice(v configVar[[]string], usage string) {
	pflag.StringSlice(v.flagKey, v.defaultValue, usage)
	viper.BindEnv(v.flagKey, v.envKey)
	viper.SetDefault(v.flagKey, v.defaultValue)
}

func loadAppConfig() *app.AppConfig {
	bindString(bindAddress, "Server bind address (host:port)")
	bindString(urlPathPrefix, "URL path prefix for all routes")
	bindString(logLevel, "Logging level")
	bindString(streamerPath, "Path to the streamer binary")
	bindString(hostAddress, "Game host address")
	bindInt(hostPort, "Game host HTTP port")
	bindString(clientCertPath, "Client pairing certificate (PEM)")
	bindString(clientKeyPath, "Client pairing private key (PEM)")
	bindString(serverCertPath, "Game host certificate (PEM)")
	bindInt(defaultUserID, "Default user id when no identity header matches")
	bindString(usernameHeader, "Trusted reverse proxy username header")
	bindBool(autoCreateMissingUser, "Fall back to the default user when the header is missing")
	bindBool(requireJoinToken, "Require a join token at room join")
	bindString(defaultSettingsJSON, "Default stream settings served to viewers (JSON)")
	bindInt(videoFrameQueueSize, "Video frame queue depth")
	bindInt(audioSampleQueueSize, "Audio sample queue depth")
	bindInt(negotiationTimeoutSec, "Transport negotiation timeout in seconds")
	bindStringSlice(iceServerURLs, "ICE server urls")
	bindString(iceUsername, "ICE server username")
	bindString(iceCredential, "ICE server credential")
	bindInt(webrtcPortRangeMin, "WebRTC UDP port range minimum")
	bindInt(webrtcPortRangeMax, "WebRTC UDP port range maximum")
	bindString(webrtcNat1To1Type, "NAT 1:1 candidate type (host or srflx)")
	bindStringSlice(webrtcNat1To1IPs, "NAT 1:1 public IPs")
	bindStringSlice(webrtcNetworkTypes, "Allowed ICE network types")
	bindString(redisHost, "Redis host (empty disables redis)")
	bindInt(redisPort, "Redis port")
	bindString(redisPassword, "Redis password")

	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)

	return &app.AppConfig{
		BindAddress:           viper.GetString(bindAddress.flagKey),
		URLPathPrefix:         viper.GetString(urlPathPrefix.flagKey),
		LogLevel:              viper.GetString(logLevel.flagKey),
		StreamerPath:          viper.GetString(streamerPath.flagKey),
		HostAddress:           viper.GetString(hostAddress.flagKey),
		HostPort:              viper.GetInt(hostPort.flagKey),
		ClientCertPath:        viper.GetString(clientCertPath.flagKey),
		ClientKeyPath:         viper.GetString(clientKeyPath.flagKey),
		ServerCertPath:        viper.GetString(serverCertPath.flagKey),
		DefaultUserID:         viper.GetInt(defaultUserID.flagKey),
		UsernameHeader:        viper.GetString(usernameHeader.flagKey),
		AutoCreateMissingUser: viper.GetBool(autoCreateMissingUser.flagKey),
		RequireJoinToken:      viper.GetBool(requireJoinToken.flagKey),
		DefaultSettingsJSON:   viper.GetString(defaultSettingsJSON.flagKey),
		VideoFrameQueueSize:   viper.GetInt(videoFrameQueueSize.flagKey),
		AudioSampleQueueSize:  viper.GetInt(audioSampleQueueSize.flagKey),
		NegotiationTimeoutSec: viper.GetInt(negotiationTimeoutSec.flagKey),
		WebRtc: app.WebRtcConfig{
			IceServerURLs: viper.GetStringSlice(iceServerURLs.flagKey),
			IceUsername:   viper.GetString(iceUsername.flagKey),
			IceCredential: viper.GetString(iceCredential.flagKey),
			PortRangeMin:  viper.GetInt(webrtcPortRangeMin.flagKey),
			PortRangeMax:  viper.GetInt(webrtcPortRangeMax.flagKey),
			Nat1To1Type:   viper.GetString(webrtcNat1To1Type.flagKey),
			Nat1To1IPs:    viper.GetStringSlice(webrtcNat1To1IPs.flagKey),
			NetworkTypes:  viper.GetStringSlice(webrtcNetworkTypes.flagKey),
		},
		RedisHost:     viper.GetString(redisHost.flagKey),
		RedisPort:     viper.GetInt(redisPort.flagKey),
		RedisPassword: viper.GetString(redisPassword.flagKey),
	}
}

func main() {
	ctx := context.Background()

	appConfig := loadAppConfig()

	jsonConfig, _ := json.MarshalIndent(appConfig, "", "  ")
	fmt.Printf("starting app with config: %s\n", jsonConfig)

	log.Fatal(app.Run(ctx, appConfig))
}
