package room

import (
	"bytes"
	"context"
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
	"github.com/couchbridge/server/internal/protocol/framing"
	"github.com/couchbridge/server/internal/repository/roomtoken/inmemory"
)

type sentMsg struct {
	msgType string
	payload []byte
}

type fakeSender struct {
	mu     sync.Mutex
	msgs   []sentMsg
	binary [][]byte
	closed bool
}

func (f *fakeSender) SendMessage(msgType string, payload any) error {
	raw, err := segjson.Marshal(payload)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.msgs = append(f.msgs, sentMsg{msgType: msgType, payload: raw})

	return nil
}

func (f *fakeSender) SendBinary(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.binary = append(f.binary, append([]byte(nil), frame...))

	return nil
}

func (f *fakeSender) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
}

func (f *fakeSender) messagesOfType(msgType string) []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []sentMsg
	for _, msg := range f.msgs {
		if msg.msgType == msgType {
			out = append(out, msg)
		}
	}

	return out
}

func (f *fakeSender) waitForType(t *testing.T, msgType string) sentMsg {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := f.messagesOfType(msgType); len(msgs) > 0 {
			return msgs[0]
		}
		time.Sleep(2 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for message %q", msgType)
	return sentMsg{}
}

func (f *fakeSender) binaryFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([][]byte, len(f.binary))
	copy(out, f.binary)

	return out
}

// ipcLog captures parent->child traffic.
type ipcLog struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *ipcLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.buf.Write(p)
}

func (l *ipcLog) messages(t *testing.T) []ipc.Message {
	t.Helper()

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []ipc.Message
	for _, line := range bytes.Split(l.buf.Bytes(), []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg ipc.Message
		require.NoError(t, segjson.Unmarshal(line, &msg))
		out = append(out, msg)
	}

	return out
}

func (l *ipcLog) waitForType(t *testing.T, msgType string) ipc.Message {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range l.messages(t) {
			if msg.Type == msgType {
				return msg
			}
		}
		time.Sleep(2 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for ipc message %q", msgType)
	return ipc.Message{}
}

func (l *ipcLog) countType(t *testing.T, msgType string) int {
	t.Helper()

	n := 0
	for _, msg := range l.messages(t) {
		if msg.Type == msgType {
			n++
		}
	}

	return n
}

type fakeLauncher struct {
	mu     sync.Mutex
	log    *ipcLog
	feeder *io.PipeWriter
}

func (f *fakeLauncher) Launch(ctx context.Context) (*StreamerHandle, error) {
	logger := slog.Default()
	pr, pw := io.Pipe()

	f.mu.Lock()
	f.feeder = pw
	f.mu.Unlock()

	return &StreamerHandle{
		Sender:   ipc.NewSender(f.log, logger),
		Receiver: ipc.NewReceiver(pr, logger),
		Kill:     func() { pw.Close() },
	}, nil
}

// feed injects a child->parent message into the pump.
func (f *fakeLauncher) feed(t *testing.T, msgType string, peerID *domain.PeerID, payload any) {
	t.Helper()

	msg, err := ipc.NewMessage(msgType, peerID, payload)
	require.NoError(t, err)

	line, err := segjson.Marshal(msg)
	require.NoError(t, err)
	line = append(line, '\n')

	f.mu.Lock()
	pw := f.feeder
	f.mu.Unlock()

	_, err = pw.Write(line)
	require.NoError(t, err)
}

type staticResolver struct{}

func (staticResolver) Resolve(_ context.Context, hostID, appID uint32) (HostInfo, error) {
	return HostInfo{
		Address: "gamehost.local",
		Port:    47989,
		AppName: "Example Game",
	}, nil
}

func testConfig() *Config {
	return &Config{
		VideoFrameQueue:       3,
		AudioSampleQueue:      20,
		GuestVideoFrameQueue:  4,
		GuestAudioSampleQueue: 4,
		NegotiationTimeoutMS:  8000,
	}
}

type fixture struct {
	service  *service
	launcher *fakeLauncher
	ipc      *ipcLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := &ipcLog{}
	launcher := &fakeLauncher{log: log}

	return &fixture{
		service:  NewService(inmemory.NewRepo(), launcher, staticResolver{}, testConfig(), slog.Default()),
		launcher: launcher,
		ipc:      log,
	}
}

func (f *fixture) createRoom(t *testing.T) (CreateRoomResponse, *fakeSender) {
	t.Helper()

	sender := &fakeSender{}
	resp, err := f.service.CreateRoom(context.Background(), &CreateRoomParams{
		HostID:     17,
		AppID:      42,
		PlayerName: "host",
		Sender:     sender,
	})
	require.NoError(t, err)

	return resp, sender
}

func (f *fixture) joinRoom(t *testing.T, roomID, name string) (JoinRoomResponse, *fakeSender) {
	t.Helper()

	sender := &fakeSender{}
	resp, err := f.service.JoinRoom(context.Background(), &JoinRoomParams{
		RoomID:     roomID,
		PlayerName: name,
		Sender:     sender,
	})
	require.NoError(t, err)

	return resp, sender
}

func TestCreateRoomSeatsHostOnSlotZero(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.createRoom(t)
	assert.Len(t, resp.RoomID, 6)
	assert.Equal(t, uint32(17), resp.Room.HostID)
	assert.Equal(t, uint32(42), resp.Room.AppID)
	require.Len(t, resp.Room.Players, 1)
	assert.Equal(t, domain.SlotHost, resp.Room.Players[0].Slot)
	assert.True(t, resp.Room.Players[0].IsHost)

	// the streamer got Init and the host registration
	initMsg := f.ipc.waitForType(t, ipc.MsgInit)
	var initPayload ipc.InitPayload
	require.NoError(t, initMsg.DecodePayload(&initPayload))
	assert.Equal(t, "gamehost.local", initPayload.HostAddress)
	assert.Equal(t, uint32(42), initPayload.AppID)

	peerMsg := f.ipc.waitForType(t, ipc.MsgPeerConnected)
	var peerPayload ipc.PeerConnectedPayload
	require.NoError(t, peerMsg.DecodePayload(&peerPayload))
	assert.Equal(t, domain.RoleHost, peerPayload.Role)
	require.NotNil(t, peerPayload.Slot)
	assert.True(t, peerPayload.Slot.IsHost())
}

func TestSlotAssignmentAndSpectatorOverflow(t *testing.T) {
	f := newFixture(t)
	created, _ := f.createRoom(t)

	g1, _ := f.joinRoom(t, created.RoomID, "g1")
	require.NotNil(t, g1.Slot)
	assert.Equal(t, domain.PlayerSlot(1), *g1.Slot)

	g2, _ := f.joinRoom(t, created.RoomID, "g2")
	require.NotNil(t, g2.Slot)
	assert.Equal(t, domain.PlayerSlot(2), *g2.Slot)

	g3, _ := f.joinRoom(t, created.RoomID, "g3")
	require.NotNil(t, g3.Slot)
	assert.Equal(t, domain.PlayerSlot(3), *g3.Slot)

	// the fourth guest becomes a spectator, not a rejection
	g4, _ := f.joinRoom(t, created.RoomID, "g4")
	assert.Nil(t, g4.Slot)
	assert.Equal(t, 1, g4.Room.SpectatorCount)

	// g1 leaves; its slot frees up
	_, err := f.service.Disconnect(context.Background(), &DisconnectParams{
		RoomID: created.RoomID,
		PeerID: g1.PeerID,
	})
	require.NoError(t, err)

	// the spectator claims the freed slot
	promoted, err := f.service.RequestPlayerSlot(context.Background(), &RequestPlayerSlotParams{
		RoomID: created.RoomID,
		PeerID: g4.PeerID,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PlayerSlot(1), promoted.Slot)
}

func TestPlayerLeftBroadcastOnGuestDisconnect(t *testing.T) {
	f := newFixture(t)
	created, hostSender := f.createRoom(t)

	g1, _ := f.joinRoom(t, created.RoomID, "g1")

	_, err := f.service.Disconnect(context.Background(), &DisconnectParams{
		RoomID: created.RoomID,
		PeerID: g1.PeerID,
	})
	require.NoError(t, err)

	msg := hostSender.waitForType(t, domain.MsgPlayerLeft)
	var payload domain.PlayerLeftPayload
	require.NoError(t, segjson.Unmarshal(msg.payload, &payload))
	assert.Equal(t, domain.PlayerSlot(1), payload.Slot)
}

func TestGamepadSnapshotRewrittenToOwnSlot(t *testing.T) {
	f := newFixture(t)
	created, _ := f.createRoom(t)

	f.joinRoom(t, created.RoomID, "g1")
	g2, _ := f.joinRoom(t, created.RoomID, "g2")
	require.Equal(t, domain.PlayerSlot(2), *g2.Slot)

	// the snapshot claims slot 0; the broker rewrites it to the sender's
	err := f.service.Input(context.Background(), &InputParams{
		RoomID: created.RoomID,
		PeerID: g2.PeerID,
		Event: domain.InputEvent{
			Kind:    domain.InputGamepadState,
			Gamepad: &domain.ControllerState{Slot: 0, Buttons: 0x3},
		},
	})
	require.NoError(t, err)

	msg := f.ipc.waitForType(t, ipc.MsgInput)
	var payload ipc.InputPayload
	require.NoError(t, msg.DecodePayload(&payload))
	require.NotNil(t, payload.Event.Gamepad)
	assert.Equal(t, uint8(2), payload.Event.Gamepad.Slot)
}

func TestSpectatorGamepadDiscarded(t *testing.T) {
	f := newFixture(t)
	created, _ := f.createRoom(t)

	f.joinRoom(t, created.RoomID, "g1")
	f.joinRoom(t, created.RoomID, "g2")
	f.joinRoom(t, created.RoomID, "g3")
	spectator, _ := f.joinRoom(t, created.RoomID, "spec")
	require.Nil(t, spectator.Slot)

	err := f.service.Input(context.Background(), &InputParams{
		RoomID: created.RoomID,
		PeerID: spectator.PeerID,
		Event: domain.InputEvent{
			Kind:    domain.InputGamepadState,
			Gamepad: &domain.ControllerState{Slot: 0},
		},
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.ipc.countType(t, ipc.MsgInput))
}

func TestGuestKeyboardGatedOnFlag(t *testing.T) {
	f := newFixture(t)
	created, _ := f.createRoom(t)

	g1, g1Sender := f.joinRoom(t, created.RoomID, "g1")

	keyDown := domain.InputEvent{Kind: domain.InputKeyDown, Scancode: 0x1E}

	// flag off: dropped silently, nothing reaches the streamer
	require.NoError(t, f.service.Input(context.Background(), &InputParams{
		RoomID: created.RoomID,
		PeerID: g1.PeerID,
		Event:  keyDown,
	}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.ipc.countType(t, ipc.MsgInput))

	// host enables guests keyboard/mouse
	require.NoError(t, f.service.SetGuestsKeyboardMouse(context.Background(), &SetGuestsKBMParams{
		RoomID:  created.RoomID,
		PeerID:  created.PeerID,
		Enabled: true,
	}))

	msg := g1Sender.waitForType(t, domain.MsgGuestsKBMEnabled)
	var enabled domain.GuestsKBMEnabledPayload
	require.NoError(t, segjson.Unmarshal(msg.payload, &enabled))
	assert.True(t, enabled.Enabled)

	f.ipc.waitForType(t, ipc.MsgUpdatePermissions)

	// resend: forwarded now
	require.NoError(t, f.service.Input(context.Background(), &InputParams{
		RoomID: created.RoomID,
		PeerID: g1.PeerID,
		Event:  keyDown,
	}))
	f.ipc.waitForType(t, ipc.MsgInput)
}

func TestGuestsKBMIsHostOnly(t *testing.T) {
	f := newFixture(t)
	created, _ := f.createRoom(t)

	g1, _ := f.joinRoom(t, created.RoomID, "g1")

	err := f.service.SetGuestsKeyboardMouse(context.Background(), &SetGuestsKBMParams{
		RoomID:  created.RoomID,
		PeerID:  g1.PeerID,
		Enabled: true,
	})
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestHostDisconnectClosesRoom(t *testing.T) {
	f := newFixture(t)
	created, _ := f.createRoom(t)

	_, g1Sender := f.joinRoom(t, created.RoomID, "g1")
	_, specSender := func() (JoinRoomResponse, *fakeSender) {
		f.joinRoom(t, created.RoomID, "g2")
		f.joinRoom(t, created.RoomID, "g3")
		return f.joinRoom(t, created.RoomID, "spec")
	}()

	resp, err := f.service.Disconnect(context.Background(), &DisconnectParams{
		RoomID: created.RoomID,
		PeerID: created.PeerID,
	})
	require.NoError(t, err)
	assert.True(t, resp.IsRoomClosed)

	g1Sender.waitForType(t, domain.MsgRoomClosed)
	specSender.waitForType(t, domain.MsgRoomClosed)

	// the streamer is told to stop
	f.ipc.waitForType(t, ipc.MsgStop)

	// the room is gone
	_, err = f.service.JoinRoom(context.Background(), &JoinRoomParams{
		RoomID: created.RoomID,
		Sender: &fakeSender{},
	})
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestRevisionsStrictlyIncreaseForObserver(t *testing.T) {
	f := newFixture(t)
	created, hostSender := f.createRoom(t)

	f.joinRoom(t, created.RoomID, "g1")
	g2, _ := f.joinRoom(t, created.RoomID, "g2")
	require.NoError(t, f.service.SetGuestsKeyboardMouse(context.Background(), &SetGuestsKBMParams{
		RoomID:  created.RoomID,
		PeerID:  created.PeerID,
		Enabled: true,
	}))
	_, err := f.service.Disconnect(context.Background(), &DisconnectParams{
		RoomID: created.RoomID,
		PeerID: g2.PeerID,
	})
	require.NoError(t, err)

	updates := hostSender.messagesOfType(domain.MsgRoomUpdated)
	require.NotEmpty(t, updates)

	last := uint64(0)
	for _, msg := range updates {
		var payload domain.RoomUpdatedPayload
		require.NoError(t, segjson.Unmarshal(msg.payload, &payload))
		assert.Greater(t, payload.Room.Revision, last)
		last = payload.Room.Revision
	}
}

func TestMediaRelayStartsAtKeyframe(t *testing.T) {
	f := newFixture(t)
	created, _ := f.createRoom(t)

	g1, g1Sender := f.joinRoom(t, created.RoomID, "g1")

	// a delta unit before any keyframe never reaches the peer
	f.launcher.feed(t, ipc.MsgMediaOut, &g1.PeerID, &ipc.MediaOutPayload{
		Channel: domain.ChannelVideo,
		Data:    []byte("delta"),
	})
	f.launcher.feed(t, ipc.MsgMediaOut, &g1.PeerID, &ipc.MediaOutPayload{
		Channel:  domain.ChannelVideo,
		Data:     []byte("keyframe"),
		Keyframe: true,
	})

	codec := framing.NewCodec(0)

	require.Eventually(t, func() bool {
		return len(g1Sender.binaryFrames()) >= 1
	}, 2*time.Second, 2*time.Millisecond)

	frames := g1Sender.binaryFrames()
	channelID, payload, _, err := codec.Decode(frames[0])
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelVideo, channelID)
	assert.Equal(t, []byte("keyframe"), payload)
}

func TestLateJoinerReceivesReplayState(t *testing.T) {
	f := newFixture(t)
	created, hostSender := f.createRoom(t)

	f.launcher.feed(t, ipc.MsgSetup, nil, &domain.SetupPayload{
		IceServers: []domain.IceServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	})
	f.launcher.feed(t, ipc.MsgConnectionComplete, nil, &domain.ConnectionCompletePayload{
		Format: domain.FormatH264,
		Width:  1920,
		Height: 1080,
		FPS:    60,
	})

	// the host receives both live
	hostSender.waitForType(t, domain.MsgSetup)
	hostSender.waitForType(t, domain.MsgConnectionComplete)

	// a guest joining afterwards gets them replayed from room state
	g1, _ := f.joinRoom(t, created.RoomID, "late")
	require.Len(t, g1.IceServers, 1)
	require.NotNil(t, g1.StreamState)
	assert.Equal(t, domain.FormatH264, g1.StreamState.Format)
	assert.Equal(t, uint32(1920), g1.StreamState.Width)
}

func TestJoinTokenRequiredWhenConfigured(t *testing.T) {
	log := &ipcLog{}
	launcher := &fakeLauncher{log: log}
	cfg := testConfig()
	cfg.RequireJoinToken = true
	svc := NewService(inmemory.NewRepo(), launcher, staticResolver{}, cfg, slog.Default())

	sender := &fakeSender{}
	created, err := svc.CreateRoom(context.Background(), &CreateRoomParams{
		HostID: 17,
		AppID:  42,
		Sender: sender,
	})
	require.NoError(t, err)

	// no token: rejected at the boundary
	_, err = svc.JoinRoom(context.Background(), &JoinRoomParams{
		RoomID: created.RoomID,
		Sender: &fakeSender{},
	})
	require.Error(t, err)

	// with a freshly issued token: accepted exactly once
	token, err := svc.CreateJoinToken(context.Background(), created.RoomID)
	require.NoError(t, err)

	joined, err := svc.JoinRoom(context.Background(), &JoinRoomParams{
		RoomID:    created.RoomID,
		AuthToken: token,
		Sender:    &fakeSender{},
	})
	require.NoError(t, err)
	require.NotNil(t, joined.Slot)

	_, err = svc.JoinRoom(context.Background(), &JoinRoomParams{
		RoomID:    created.RoomID,
		AuthToken: token,
		Sender:    &fakeSender{},
	})
	require.Error(t, err)
}
