package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/couchbridge/server/internal/controller"
	"github.com/couchbridge/server/internal/domain"
	"github.com/couchbridge/server/internal/ipc"
	"github.com/couchbridge/server/internal/repository/roomtoken/inmemory"
	roomtokenRedis "github.com/couchbridge/server/internal/repository/roomtoken/redis"
	"github.com/couchbridge/server/internal/service/room"
	"github.com/couchbridge/server/pkg/ctxlogger"
	"github.com/couchbridge/server/pkg/redisclient"
)

type WebRtcConfig struct {
	IceServerURLs []string `json:"ice_server_urls"`
	IceUsername   string   `json:"ice_username"`
	IceCredential string   `json:"-"`
	PortRangeMin  int      `json:"port_range_min"`
	PortRangeMax  int      `json:"port_range_max"`
	Nat1To1Type   string   `json:"nat_1to1_type"`
	Nat1To1IPs    []string `json:"nat_1to1_ips"`
	NetworkTypes  []string `json:"network_types"`
}

type AppConfig struct {
	BindAddress   string `json:"bind_address"`
	URLPathPrefix string `json:"url_path_prefix"`
	LogLevel      string `json:"log_level"`

	StreamerPath string `json:"streamer_path"`

	HostAddress    string `json:"host_address"`
	HostPort       int    `json:"host_port"`
	ClientCertPath string `json:"client_cert_path"`
	ClientKeyPath  string `json:"client_key_path"`
	ServerCertPath string `json:"server_cert_path"`

	DefaultUserID         int    `json:"default_user_id"`
	UsernameHeader        string `json:"username_header"`
	AutoCreateMissingUser bool   `json:"auto_create_missing_user"`

	RequireJoinToken bool `json:"require_join_token"`

	// DefaultSettingsJSON is served verbatim to viewers via /api/config.
	DefaultSettingsJSON string `json:"default_settings_json"`

	VideoFrameQueueSize   int `json:"video_frame_queue_size"`
	AudioSampleQueueSize  int `json:"audio_sample_queue_size"`
	NegotiationTimeoutSec int `json:"negotiation_timeout_sec"`

	WebRtc WebRtcConfig `json:"webrtc"`

	RedisHost     string `json:"redis_host"`
	RedisPort     int    `json:"redis_port"`
	RedisPassword string `json:"-"`
}

func (cfg *AppConfig) Validate() error {
	if cfg.BindAddress == "" {
		return fmt.Errorf("bind address must be set")
	}
	if cfg.StreamerPath == "" {
		return fmt.Errorf("streamer path must be set")
	}
	if cfg.VideoFrameQueueSize < 1 {
		return fmt.Errorf("video frame queue size must be greater than 0")
	}
	if cfg.AudioSampleQueueSize < 1 {
		return fmt.Errorf("audio sample queue size must be greater than 0")
	}
	if cfg.NegotiationTimeoutSec < 1 {
		return fmt.Errorf("negotiation timeout must be greater than 0")
	}

	return nil
}

func (cfg *AppConfig) iceServers() []domain.IceServer {
	if len(cfg.WebRtc.IceServerURLs) == 0 {
		return nil
	}

	return []domain.IceServer{{
		URLs:       cfg.WebRtc.IceServerURLs,
		Username:   cfg.WebRtc.IceUsername,
		Credential: cfg.WebRtc.IceCredential,
	}}
}

func Run(ctx context.Context, cfg *AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if err := logLevel.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		log.Fatal(err)
	}

	h := ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		}),
	}
	logger := slog.New(&h)
	slog.SetDefault(logger)

	serviceConfig := &room.Config{
		RequireJoinToken:      cfg.RequireJoinToken,
		VideoFrameQueue:       cfg.VideoFrameQueueSize,
		AudioSampleQueue:      cfg.AudioSampleQueueSize,
		GuestVideoFrameQueue:  4,
		GuestAudioSampleQueue: 4,
		NegotiationTimeoutMS:  cfg.NegotiationTimeoutSec * 1000,
		LogLevel:              cfg.LogLevel,
		WebRtc: ipc.WebRtcLogConfig{
			IceServers:   cfg.iceServers(),
			PortRangeMin: uint16(cfg.WebRtc.PortRangeMin),
			PortRangeMax: uint16(cfg.WebRtc.PortRangeMax),
			Nat1To1Type:  cfg.WebRtc.Nat1To1Type,
			Nat1To1IPs:   cfg.WebRtc.Nat1To1IPs,
			NetworkTypes: cfg.WebRtc.NetworkTypes,
		},
	}

	launcher := newExecLauncher(cfg.StreamerPath, logger)
	hosts := staticHostResolver{
		address:        cfg.HostAddress,
		port:           uint16(cfg.HostPort),
		clientCertPath: cfg.ClientCertPath,
		clientKeyPath:  cfg.ClientKeyPath,
		serverCertPath: cfg.ServerCertPath,
	}

	var tokenRepo room.TokenRepo
	if cfg.RedisHost != "" {
		rc, err := redisclient.NewRedisClient(&redisclient.Config{
			Port:     cfg.RedisPort,
			Host:     cfg.RedisHost,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			return fmt.Errorf("failed to create redis client: %w", err)
		}
		defer rc.Close()

		tokenRepo = roomtokenRedis.NewRepo(rc)
	} else {
		// no redis configured: join tokens and the room directory live in
		// process memory and do not survive a restart
		tokenRepo = inmemory.NewRepo()
	}

	roomService := room.NewService(tokenRepo, launcher, hosts, serviceConfig, logger)

	var defaultUserID *int
	if cfg.DefaultUserID != 0 {
		defaultUserID = &cfg.DefaultUserID
	}

	var forwardedHeader *controller.ForwardedHeaderConfig
	if cfg.UsernameHeader != "" {
		forwardedHeader = &controller.ForwardedHeaderConfig{
			UsernameHeader:        cfg.UsernameHeader,
			AutoCreateMissingUser: cfg.AutoCreateMissingUser,
		}
	}

	var defaultSettings json.RawMessage
	if cfg.DefaultSettingsJSON != "" {
		defaultSettings = json.RawMessage(cfg.DefaultSettingsJSON)
	}

	ctrl := controller.NewController(roomService, &controller.Config{
		URLPathPrefix:   cfg.URLPathPrefix,
		DefaultUserID:   defaultUserID,
		DefaultSettings: defaultSettings,
		ForwardedHeader: forwardedHeader,
	}, logger)

	server := &http.Server{Addr: cfg.BindAddress, Handler: ctrl.GetMux()}

	// graceful shutdown
	serverCtx, serverStopCtx := context.WithCancel(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig

		shutdownCtx, c := context.WithTimeout(serverCtx, 30*time.Second)
		defer c()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				log.Fatal("graceful shutdown timed out.. forcing exit.")
			}
		}()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Fatal(err)
		}
		serverStopCtx()
	}()

	logger.InfoContext(serverCtx, "starting server", "address", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-serverCtx.Done()

	return nil
}
