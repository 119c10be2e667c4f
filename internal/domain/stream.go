package domain

// VideoFormat is a bitmask of encoded video formats, serialised verbatim over
// both IPC and the control WebSocket.
type VideoFormat uint32

const (
	FormatH264          VideoFormat = 0x0001
	FormatH264High8444  VideoFormat = 0x0008
	FormatH265          VideoFormat = 0x0100
	FormatH265Main10    VideoFormat = 0x0200
	FormatH265Rext8444  VideoFormat = 0x0400
	FormatH265Rext10444 VideoFormat = 0x0800
	FormatAV1Main8      VideoFormat = 0x1000
	FormatAV1Main10     VideoFormat = 0x2000
	FormatAV1High8444   VideoFormat = 0x4000
	FormatAV1High10444  VideoFormat = 0x8000

	FormatMaskH264 VideoFormat = 0x000F
	FormatMaskH265 VideoFormat = 0x0F00
	FormatMaskAV1  VideoFormat = 0xF000
)

func (f VideoFormat) IsH264() bool { return f&FormatMaskH264 != 0 }
func (f VideoFormat) IsH265() bool { return f&FormatMaskH265 != 0 }
func (f VideoFormat) IsAV1() bool  { return f&FormatMaskAV1 != 0 }

type Colorspace string

const (
	ColorspaceRec601  Colorspace = "Rec601"
	ColorspaceRec709  Colorspace = "Rec709"
	ColorspaceRec2020 Colorspace = "Rec2020"
)

// TransportType selects the data transport of a peer. Auto attempts WebRTC
// first and falls back to WebSocket.
type TransportType string

const (
	TransportAuto      TransportType = "auto"
	TransportWebRTC    TransportType = "webrtc"
	TransportWebSocket TransportType = "websocket"
)

type MouseScrollMode string

const (
	ScrollModeHighRes MouseScrollMode = "highres"
	ScrollModeNormal  MouseScrollMode = "normal"
)

type ControllerConfig struct {
	InvertAB             bool `json:"invertAB"`
	InvertXY             bool `json:"invertXY"`
	SendIntervalOverride *int `json:"send_interval_override"`
}

type VideoCodecPreference string

const (
	CodecAuto VideoCodecPreference = "auto"
	CodecH264 VideoCodecPreference = "h264"
	CodecH265 VideoCodecPreference = "h265"
	CodecAV1  VideoCodecPreference = "av1"
)

// StreamSettings are the parameters a host supplies with StartStream.
type StreamSettings struct {
	Bitrate          uint32      `json:"bitrate"`
	PacketSize       uint32      `json:"packet_size"`
	FPS              uint32      `json:"fps"`
	Width            uint32      `json:"width"`
	Height           uint32      `json:"height"`
	PlayAudioLocal   bool        `json:"play_audio_local"`
	SupportedFormats VideoFormat `json:"video_supported_formats"`
	Colorspace       Colorspace  `json:"video_colorspace"`
	ColorRangeFull   bool        `json:"video_color_range_full"`
}

type StreamCapabilities struct {
	Touch bool `json:"touch"`
}

// AudioSetup mirrors the Opus multistream configuration negotiated with the
// game host.
type AudioSetup struct {
	SampleRate      uint32   `json:"audio_sample_rate"`
	ChannelCount    uint32   `json:"audio_channel_count"`
	Streams         uint32   `json:"audio_streams"`
	CoupledStreams  uint32   `json:"audio_coupled_streams"`
	SamplesPerFrame uint32   `json:"audio_samples_per_frame"`
	Mapping         [8]uint8 `json:"audio_mapping"`
}

// StereoAudioSetup is the fallback configuration when the host does not
// report one before the first sample.
func StereoAudioSetup() AudioSetup {
	return AudioSetup{
		SampleRate:      48000,
		ChannelCount:    2,
		Streams:         1,
		CoupledStreams:  1,
		SamplesPerFrame: 240,
		Mapping:         [8]uint8{0, 1},
	}
}

// StreamState is the stored ConnectionComplete payload, replayed to peers
// that join after the stream is already up.
type StreamState struct {
	Capabilities StreamCapabilities `json:"capabilities"`
	Format       VideoFormat        `json:"format"`
	Width        uint32             `json:"width"`
	Height       uint32             `json:"height"`
	FPS          uint32             `json:"fps"`
	Audio        AudioSetup         `json:"audio"`
}

type IceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// MediaUnit is one encoded unit flowing down the media plane: a whole video
// access unit or a single Opus packet. Payload is borrowed; it must be copied
// before crossing a boundary that outlives the producer's buffer ring.
type MediaUnit struct {
	Payload []byte
	// Keyframe is meaningful for video units only.
	Keyframe bool
	// TimestampUS and DurationUS are meaningful for audio units only.
	TimestampUS uint64
	DurationUS  uint32
}
