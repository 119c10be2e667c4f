package streamer

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	segjson "github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchbridge/server/internal/domain"
	"github.com/couchbridge/server/internal/ipc"
	"github.com/couchbridge/server/internal/upstream"
)

// ipcCapture collects the JSON lines the session writes to its parent.
type ipcCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

var _ io.Writer = (*ipcCapture)(nil)

func (c *ipcCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.buf.Write(p)
}

func (c *ipcCapture) messages(t *testing.T) []ipc.Message {
	t.Helper()

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []ipc.Message
	for _, line := range bytes.Split(c.buf.Bytes(), []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg ipc.Message
		require.NoError(t, segjson.Unmarshal(line, &msg))
		out = append(out, msg)
	}

	return out
}

func (c *ipcCapture) waitFor(t *testing.T, msgType string) ipc.Message {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range c.messages(t) {
			if msg.Type == msgType {
				return msg
			}
		}
		time.Sleep(2 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for ipc message %q", msgType)
	return ipc.Message{}
}

func mustMessage(t *testing.T, msgType string, peerID *domain.PeerID, payload any) *ipc.Message {
	t.Helper()

	msg, err := ipc.NewMessage(msgType, peerID, payload)
	require.NoError(t, err)

	return msg
}

type sessionFixture struct {
	session *Session
	client  *upstream.LoopbackClient
	capture *ipcCapture
}

func newSessionFixture(t *testing.T) *sessionFixture {
	capture := &ipcCapture{}
	client := upstream.NewLoopbackClient()
	logger := slog.Default()

	return &sessionFixture{
		session: NewSession(client, ipc.NewSender(capture, logger), logger),
		client:  client,
		capture: capture,
	}
}

func (f *sessionFixture) init(t *testing.T) {
	t.Helper()

	done := f.session.handle(mustMessage(t, ipc.MsgInit, nil, &ipc.InitPayload{
		HostAddress:      "gamehost.local",
		HostPort:         47989,
		AppID:            42,
		VideoFrameQueue:  3,
		AudioSampleQueue: 20,
	}))
	require.False(t, done)
	require.Equal(t, StateNegotiating, f.session.State())
}

func (f *sessionFixture) connectPeer(t *testing.T, peerID domain.PeerID, slot *domain.PlayerSlot, role domain.RoomRole) {
	t.Helper()

	done := f.session.handle(mustMessage(t, ipc.MsgPeerConnected, &peerID, &ipc.PeerConnectedPayload{
		Slot:             slot,
		Role:             role,
		VideoFrameQueue:  3,
		AudioSampleQueue: 20,
	}))
	require.False(t, done)

	done = f.session.handle(mustMessage(t, ipc.MsgSetTransport, &peerID, &ipc.SetTransportPayload{
		Transport: domain.TransportWebSocket,
	}))
	require.False(t, done)

	// wait until the websocket transport is attached
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		found := false
		for _, msg := range f.capture.messages(t) {
			if msg.Type == ipc.MsgPeerReady && msg.PeerID != nil && *msg.PeerID == peerID {
				found = true
			}
		}
		if found {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}

	t.Fatalf("peer %d transport never attached", peerID)
}

func (f *sessionFixture) startStream(t *testing.T) *upstream.LoopbackStream {
	t.Helper()

	done := f.session.handle(mustMessage(t, ipc.MsgStartStream, nil, &domain.StreamSettings{
		Bitrate:    20000,
		PacketSize: 1392,
		FPS:        60,
		Width:      1920,
		Height:     1080,
	}))
	require.False(t, done)
	require.Equal(t, StateStreaming, f.session.State())

	f.capture.waitFor(t, ipc.MsgConnectionComplete)

	stream := f.client.LastStream()
	require.NotNil(t, stream)

	return stream
}

func hostSlot() *domain.PlayerSlot {
	slot := domain.SlotHost
	return &slot
}

func guestSlot(n uint8) *domain.PlayerSlot {
	slot := domain.PlayerSlot(n)
	return &slot
}

func TestInitEmitsSetupAndTransitions(t *testing.T) {
	f := newSessionFixture(t)
	f.init(t)

	f.capture.waitFor(t, ipc.MsgSetup)
}

func TestStartStreamBeforeInitIsFatal(t *testing.T) {
	f := newSessionFixture(t)

	done := f.session.handle(mustMessage(t, ipc.MsgStartStream, nil, &domain.StreamSettings{}))
	assert.True(t, done)

	f.session.mu.Lock()
	defer f.session.mu.Unlock()
	assert.Equal(t, ipc.ExitProtocolError, f.session.exitCode)
	assert.Equal(t, StateTerminating, f.session.state)
}

func TestDoubleInitIsFatal(t *testing.T) {
	f := newSessionFixture(t)
	f.init(t)

	done := f.session.handle(mustMessage(t, ipc.MsgInit, nil, &ipc.InitPayload{}))
	assert.True(t, done)

	f.session.mu.Lock()
	defer f.session.mu.Unlock()
	assert.Equal(t, ipc.ExitProtocolError, f.session.exitCode)
}

func TestConnectionCompleteReportsNegotiatedFormat(t *testing.T) {
	f := newSessionFixture(t)
	f.init(t)
	f.connectPeer(t, 1, hostSlot(), domain.RoleHost)
	f.startStream(t)

	msg := f.capture.waitFor(t, ipc.MsgConnectionComplete)

	var payload domain.ConnectionCompletePayload
	require.NoError(t, msg.DecodePayload(&payload))
	assert.Equal(t, domain.FormatH264, payload.Format)
	assert.Equal(t, uint32(1920), payload.Width)
	assert.Equal(t, uint32(1080), payload.Height)
	assert.Equal(t, uint32(60), payload.FPS)
	assert.True(t, payload.Capabilities.Touch)
}

func TestVideoFrameFlowsToWebSocketPeer(t *testing.T) {
	f := newSessionFixture(t)
	f.init(t)
	f.connectPeer(t, 1, hostSlot(), domain.RoleHost)
	stream := f.startStream(t)

	frame := bytes.Repeat([]byte{0xAB}, 12345)
	stream.EmitVideoFrame(frame, true)

	msg := f.capture.waitFor(t, ipc.MsgMediaOut)
	require.NotNil(t, msg.PeerID)
	assert.Equal(t, domain.PeerID(1), *msg.PeerID)

	var payload ipc.MediaOutPayload
	require.NoError(t, msg.DecodePayload(&payload))
	assert.Equal(t, domain.ChannelVideo, payload.Channel)
	assert.Equal(t, frame, payload.Data)
	assert.True(t, payload.Keyframe)
}

func TestGamepadSlotIsRewrittenToSenderSlot(t *testing.T) {
	f := newSessionFixture(t)
	f.init(t)
	f.connectPeer(t, 1, hostSlot(), domain.RoleHost)
	stream := f.startStream(t)

	f.session.handle(mustMessage(t, ipc.MsgPeerConnected, ptr(domain.PeerID(2)), &ipc.PeerConnectedPayload{
		Slot: guestSlot(2),
		Role: domain.RolePlayer,
	}))

	// the guest claims slot 0; the broker-facing contract is that it lands
	// on the sender's own slot regardless
	f.session.handle(mustMessage(t, ipc.MsgInput, ptr(domain.PeerID(2)), &ipc.InputPayload{
		Event: domain.InputEvent{
			Kind:    domain.InputGamepadState,
			Gamepad: &domain.ControllerState{Slot: 0, Buttons: 0x1},
		},
	}))

	require.Eventually(t, func() bool {
		return len(stream.Inputs()) == 1
	}, 2*time.Second, 2*time.Millisecond)

	inputs := stream.Inputs()
	require.Equal(t, domain.InputGamepadState, inputs[0].Kind)
	assert.Equal(t, uint8(2), inputs[0].Event.Gamepad.Slot)
}

func TestSpectatorInputIsDiscarded(t *testing.T) {
	f := newSessionFixture(t)
	f.init(t)
	f.connectPeer(t, 1, hostSlot(), domain.RoleHost)
	stream := f.startStream(t)

	f.session.handle(mustMessage(t, ipc.MsgPeerConnected, ptr(domain.PeerID(3)), &ipc.PeerConnectedPayload{
		Role: domain.RoleSpectator,
	}))

	f.session.handle(mustMessage(t, ipc.MsgInput, ptr(domain.PeerID(3)), &ipc.InputPayload{
		Event: domain.InputEvent{
			Kind:    domain.InputGamepadState,
			Gamepad: &domain.ControllerState{Slot: 0},
		},
	}))
	f.session.handle(mustMessage(t, ipc.MsgInput, ptr(domain.PeerID(3)), &ipc.InputPayload{
		Event: domain.InputEvent{Kind: domain.InputKeyDown, Scancode: 0x1E},
	}))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, stream.Inputs())
}

func TestGuestKeyboardGatedOnFlag(t *testing.T) {
	f := newSessionFixture(t)
	f.init(t)
	f.connectPeer(t, 1, hostSlot(), domain.RoleHost)
	stream := f.startStream(t)

	f.session.handle(mustMessage(t, ipc.MsgPeerConnected, ptr(domain.PeerID(2)), &ipc.PeerConnectedPayload{
		Slot: guestSlot(1),
		Role: domain.RolePlayer,
	}))

	keyDown := &ipc.InputPayload{Event: domain.InputEvent{Kind: domain.InputKeyDown, Scancode: 0x1E}}

	// flag off: dropped silently
	f.session.handle(mustMessage(t, ipc.MsgInput, ptr(domain.PeerID(2)), keyDown))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, stream.Inputs())

	// flag on: forwarded
	f.session.handle(mustMessage(t, ipc.MsgUpdatePermissions, nil, &ipc.UpdatePermissionsPayload{
		GuestsKeyboardMouse: true,
	}))
	f.session.handle(mustMessage(t, ipc.MsgInput, ptr(domain.PeerID(2)), keyDown))

	require.Eventually(t, func() bool {
		return len(stream.Inputs()) == 1
	}, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, domain.InputKeyDown, stream.Inputs()[0].Kind)

	// host keyboard is never gated
	f.session.handle(mustMessage(t, ipc.MsgInput, ptr(domain.PeerID(1)), keyDown))
	require.Eventually(t, func() bool {
		return len(stream.Inputs()) == 2
	}, 2*time.Second, 2*time.Millisecond)
}

func TestGuestWebRTCBeforeHostTransportRejected(t *testing.T) {
	f := newSessionFixture(t)
	f.init(t)

	// host peer exists but has no connected transport yet
	f.session.handle(mustMessage(t, ipc.MsgPeerConnected, ptr(domain.PeerID(1)), &ipc.PeerConnectedPayload{
		Slot: hostSlot(),
		Role: domain.RoleHost,
	}))
	f.session.handle(mustMessage(t, ipc.MsgPeerConnected, ptr(domain.PeerID(2)), &ipc.PeerConnectedPayload{
		Slot: guestSlot(1),
		Role: domain.RolePlayer,
	}))

	f.session.handle(mustMessage(t, ipc.MsgSetTransport, ptr(domain.PeerID(2)), &ipc.SetTransportPayload{
		Transport: domain.TransportWebRTC,
	}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range f.capture.messages(t) {
			if msg.Type != ipc.MsgDebugLog {
				continue
			}
			var payload domain.DebugLogPayload
			require.NoError(t, msg.DecodePayload(&payload))
			if payload.Type != nil {
				assert.Equal(t, domain.LogFatal, *payload.Type)
				require.NotNil(t, msg.PeerID)
				assert.Equal(t, domain.PeerID(2), *msg.PeerID)
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}

	t.Fatal("no fatal debug log for rejected guest transport")
}

func TestStopEmitsConnectionTerminatedAndStopsStream(t *testing.T) {
	f := newSessionFixture(t)
	f.init(t)
	f.connectPeer(t, 1, hostSlot(), domain.RoleHost)
	stream := f.startStream(t)

	done := f.session.handle(mustMessage(t, ipc.MsgStop, nil, nil))
	assert.True(t, done)

	msg := f.capture.waitFor(t, ipc.MsgConnectionTerminated)
	var payload domain.ConnectionTerminatedPayload
	require.NoError(t, msg.DecodePayload(&payload))
	assert.Equal(t, int32(0), payload.ErrorCode)

	assert.True(t, stream.Stopped())

	f.session.mu.Lock()
	defer f.session.mu.Unlock()
	assert.Equal(t, ipc.ExitClean, f.session.exitCode)
}

func TestUpstreamTerminationPropagates(t *testing.T) {
	f := newSessionFixture(t)
	f.init(t)
	f.connectPeer(t, 1, hostSlot(), domain.RoleHost)
	stream := f.startStream(t)

	stream.EmitTerminated(104)

	msg := f.capture.waitFor(t, ipc.MsgConnectionTerminated)
	var payload domain.ConnectionTerminatedPayload
	require.NoError(t, msg.DecodePayload(&payload))
	assert.Equal(t, int32(104), payload.ErrorCode)
}
