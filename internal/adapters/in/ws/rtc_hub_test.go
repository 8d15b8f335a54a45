package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/domain/errkind"
	"github.com/EthanQC/liveroom/internal/ports/out"
	"github.com/EthanQC/liveroom/internal/rtcwire"
	"github.com/EthanQC/liveroom/pkg/jwt"
)

type recordingStreams struct {
	mu      sync.Mutex
	added   []string
	removed []string
}

func (s *recordingStreams) GetStream(context.Context, string) (*entity.StreamSession, error) {
	return nil, errkind.E(errkind.NotFound, "", nil)
}
func (s *recordingStreams) SaveStream(context.Context, *entity.StreamSession) error { return nil }
func (s *recordingStreams) MarkInactive(context.Context, string, time.Time) error   { return nil }
func (s *recordingStreams) DeleteStream(context.Context, string) error              { return nil }

func (s *recordingStreams) AddParticipant(_ context.Context, streamID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, streamID+"/"+userID)
	return nil
}

func (s *recordingStreams) RemoveParticipant(_ context.Context, streamID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, streamID+"/"+userID)
	return nil
}

func (s *recordingStreams) snapshot() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.added...), append([]string(nil), s.removed...)
}

type hubHarness struct {
	clock   *clockwork.FakeClock
	tokens  jwt.Manager
	streams *recordingStreams
	hub     *RTCHub
	url     string
}

func newHubHarness(t *testing.T, cfg HubConfig) *hubHarness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	tokens := jwt.NewManager("secret", time.Minute, clock)
	streams := &recordingStreams{}
	hub := NewRTCHub(tokens, streams, cfg, clock, zap.NewNop())
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &hubHarness{
		clock:   clock,
		tokens:  tokens,
		streams: streams,
		hub:     hub,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rtc?app_id=test",
	}
}

func (h *hubHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *hubHarness) token(t *testing.T, userID, channel string, uid uint32) string {
	t.Helper()
	tok, err := h.tokens.Generate(jwt.Grant{UserID: userID, Channel: channel, UID: uid, Role: "audience"})
	require.NoError(t, err)
	return tok
}

func send(t *testing.T, conn *websocket.Conn, ft rtcwire.FrameType, payload interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, rtcwire.MustEncode(ft, payload)))
}

// expect 读到指定类型的帧为止
func expect(t *testing.T, conn *websocket.Conn, ft rtcwire.FrameType) rtcwire.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", ft)
		f, err := rtcwire.Decode(data)
		require.NoError(t, err)
		if f.Type == ft {
			return f
		}
	}
}

func resultCode(t *testing.T, f rtcwire.Frame) int {
	t.Helper()
	var r rtcwire.Result
	require.NoError(t, f.Unmarshal(&r))
	return r.Code
}

func TestRTCHub_JoinBroadcastLeave(t *testing.T) {
	h := newHubHarness(t, HubConfig{RenewBefore: 30 * time.Second})

	a := h.dial(t)
	send(t, a, rtcwire.TypeJoin, rtcwire.Join{Channel: "room", UID: 1, Role: 2, Token: h.token(t, "alice", "room", 1)})
	assert.Equal(t, out.CodeOK, resultCode(t, expect(t, a, rtcwire.TypeJoinResult)))

	var st rtcwire.ConnectionState
	require.NoError(t, expect(t, a, rtcwire.TypeConnectionState).Unmarshal(&st))
	assert.Equal(t, int(out.ConnStateConnected), st.State)
	assert.Equal(t, int(out.ReasonJoinSuccess), st.Reason)

	b := h.dial(t)
	send(t, b, rtcwire.TypeJoin, rtcwire.Join{Channel: "room", UID: 2, Role: 2, Token: h.token(t, "bob", "room", 2)})
	assert.Equal(t, out.CodeOK, resultCode(t, expect(t, b, rtcwire.TypeJoinResult)))

	var u rtcwire.User
	require.NoError(t, expect(t, b, rtcwire.TypeUserJoined).Unmarshal(&u))
	assert.Equal(t, uint32(1), u.UID)
	require.NoError(t, expect(t, a, rtcwire.TypeUserJoined).Unmarshal(&u))
	assert.Equal(t, uint32(2), u.UID)
	assert.Equal(t, []uint32{1, 2}, h.hub.Members("room"))

	send(t, b, rtcwire.TypeLeave, nil)
	require.NoError(t, expect(t, a, rtcwire.TypeUserOffline).Unmarshal(&u))
	assert.Equal(t, uint32(2), u.UID)
	assert.Equal(t, []uint32{1}, h.hub.Members("room"))

	// 断开连接等同离开
	require.NoError(t, a.Close())
	assert.Eventually(t, func() bool { return len(h.hub.Members("room")) == 0 }, 2*time.Second, 10*time.Millisecond)

	added, removed := h.streams.snapshot()
	assert.Equal(t, []string{"room/alice", "room/bob"}, added)
	assert.ElementsMatch(t, []string{"room/bob", "room/alice"}, removed)
}

func TestRTCHub_TokenCodes(t *testing.T) {
	h := newHubHarness(t, HubConfig{})
	conn := h.dial(t)

	send(t, conn, rtcwire.TypeJoin, rtcwire.Join{Channel: "room", UID: 1, Token: "garbage"})
	assert.Equal(t, out.CodeInvalidToken, resultCode(t, expect(t, conn, rtcwire.TypeJoinResult)))

	// 凭证绑定的频道不一致
	send(t, conn, rtcwire.TypeJoin, rtcwire.Join{Channel: "other", UID: 1, Token: h.token(t, "alice", "room", 1)})
	assert.Equal(t, out.CodeInvalidToken, resultCode(t, expect(t, conn, rtcwire.TypeJoinResult)))

	stale := h.token(t, "alice", "room", 1)
	h.clock.Advance(2 * time.Minute)
	send(t, conn, rtcwire.TypeJoin, rtcwire.Join{Channel: "room", UID: 1, Token: stale})
	assert.Equal(t, out.CodeTokenExpired, resultCode(t, expect(t, conn, rtcwire.TypeJoinResult)))

	send(t, conn, rtcwire.TypeRenew, rtcwire.Renew{Token: stale})
	assert.Equal(t, out.CodeNotReady, resultCode(t, expect(t, conn, rtcwire.TypeRenewResult)))
}

func TestRTCHub_ChannelFull(t *testing.T) {
	h := newHubHarness(t, HubConfig{MaxMembers: 1})

	a := h.dial(t)
	send(t, a, rtcwire.TypeJoin, rtcwire.Join{Channel: "room", UID: 1, Token: h.token(t, "alice", "room", 1)})
	assert.Equal(t, out.CodeOK, resultCode(t, expect(t, a, rtcwire.TypeJoinResult)))

	b := h.dial(t)
	send(t, b, rtcwire.TypeJoin, rtcwire.Join{Channel: "room", UID: 2, Token: h.token(t, "bob", "room", 2)})
	assert.Equal(t, out.CodeChannelFull, resultCode(t, expect(t, b, rtcwire.TypeJoinResult)))
}

func TestRTCHub_RenewWarningAndExpiry(t *testing.T) {
	h := newHubHarness(t, HubConfig{RenewBefore: 30 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn := h.dial(t)
	send(t, conn, rtcwire.TypeJoin, rtcwire.Join{Channel: "room", UID: 1, Token: h.token(t, "alice", "room", 1)})
	assert.Equal(t, out.CodeOK, resultCode(t, expect(t, conn, rtcwire.TypeJoinResult)))
	expect(t, conn, rtcwire.TypeConnectionState)

	require.NoError(t, h.clock.BlockUntilContext(ctx, 2))
	h.clock.Advance(31 * time.Second)

	var st rtcwire.ConnectionState
	require.NoError(t, expect(t, conn, rtcwire.TypeConnectionState).Unmarshal(&st))
	assert.Equal(t, int(out.ConnStateConnected), st.State)
	assert.Equal(t, int(out.ReasonTokenWillExpire), st.Reason)

	send(t, conn, rtcwire.TypeRenew, rtcwire.Renew{Token: h.token(t, "alice", "room", 1)})
	assert.Equal(t, out.CodeOK, resultCode(t, expect(t, conn, rtcwire.TypeRenewResult)))

	// 续期后从当前时刻重新计时：再过 61s 才到期
	require.NoError(t, h.clock.BlockUntilContext(ctx, 2))
	h.clock.Advance(61 * time.Second)
	var reasons []int
	for i := 0; i < 2; i++ {
		require.NoError(t, expect(t, conn, rtcwire.TypeConnectionState).Unmarshal(&st))
		reasons = append(reasons, st.Reason)
	}
	assert.ElementsMatch(t, []int{int(out.ReasonTokenWillExpire), int(out.ReasonTokenExpired)}, reasons)
	assert.Eventually(t, func() bool { return len(h.hub.Members("room")) == 0 }, time.Second, 10*time.Millisecond)
}

func TestRTCHub_RequiresAppID(t *testing.T) {
	h := newHubHarness(t, HubConfig{})
	resp, err := http.Get("http" + strings.TrimPrefix(strings.Split(h.url, "?")[0], "ws"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
