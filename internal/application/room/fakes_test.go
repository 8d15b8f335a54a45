package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/application/validator"
	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/domain/errkind"
	"github.com/EthanQC/liveroom/internal/ports/out"
)

type fakeTransport struct {
	mu        sync.Mutex
	handler   out.TransportEventHandler
	appID     string
	codes     []int
	joins     int
	leaves    int
	renewed   []string
	muted     bool
	state     out.ConnState
	lastToken string
}

func (f *fakeTransport) Initialize(appID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appID = appID
	f.state = out.ConnStateDisconnected
	return nil
}

// QueueJoinCodes 依次作为后续 Join 的返回码，用完后返回 0
func (f *fakeTransport) QueueJoinCodes(codes ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, codes...)
}

func (f *fakeTransport) Join(_ context.Context, _ string, _ uint32, _ out.Role, token string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins++
	f.lastToken = token
	code := 0
	if len(f.codes) > 0 {
		code, f.codes = f.codes[0], f.codes[1:]
	}
	if code == 0 {
		f.state = out.ConnStateConnected
	} else {
		f.state = out.ConnStateFailed
	}
	return code
}

func (f *fakeTransport) Leave(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	f.state = out.ConnStateDisconnected
	return nil
}

func (f *fakeTransport) RenewToken(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewed = append(f.renewed, token)
	return nil
}

func (f *fakeTransport) MuteLocalAudio(muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = muted
	return nil
}

func (f *fakeTransport) ConnectionState() out.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) SetState(s out.ConnState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeTransport) SetEventHandler(h out.TransportEventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeTransport) Counts() (joins, leaves int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins, f.leaves
}

func (f *fakeTransport) Renewed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.renewed...)
}

func (f *fakeTransport) Muted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted
}

type fakeTokens struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
	err   error
}

func (f *fakeTokens) GetToken(ctx context.Context, channel string, uid uint32, role out.Role) (string, error) {
	f.mu.Lock()
	f.calls++
	n, gate, err := f.calls, f.gate, f.err
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d:%s:%d", channel, uid, role, n), nil
}

func (f *fakeTokens) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStreams struct {
	mu      sync.Mutex
	stream  *entity.StreamSession
	markErr error
	marked  []string
	deleted []string
}

func (f *fakeStreams) GetStream(context.Context, string) (*entity.StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stream == nil {
		return nil, errkind.E(errkind.NotFound, "get stream", nil)
	}
	cp := *f.stream
	cp.Participants = append([]string(nil), f.stream.Participants...)
	return &cp, nil
}

func (f *fakeStreams) SaveStream(context.Context, *entity.StreamSession) error { return nil }

func (f *fakeStreams) MarkInactive(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeStreams) DeleteStream(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStreams) AddParticipant(context.Context, string, string) error    { return nil }
func (f *fakeStreams) RemoveParticipant(context.Context, string, string) error { return nil }

type fakeMiniPlayer struct {
	mu     sync.Mutex
	shown  []out.MiniPlayerDescriptor
	hidden int
}

func (f *fakeMiniPlayer) Show(d out.MiniPlayerDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shown = append(f.shown, d)
}

func (f *fakeMiniPlayer) Hide() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hidden++
}

func (f *fakeMiniPlayer) Last() (out.MiniPlayerDescriptor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.shown) == 0 {
		return out.MiniPlayerDescriptor{}, false
	}
	return f.shown[len(f.shown)-1], true
}

type instantTimer struct{ c chan time.Time }

func newInstantTimer() backoff.Timer       { return &instantTimer{c: make(chan time.Time, 1)} }
func (t *instantTimer) Start(time.Duration) { t.c <- time.Now() }
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

func newValidator(streams out.StreamStore) *validator.Validator {
	return validator.New(streams, validator.Config{
		MaxRetries:      3,
		BaseDelay:       time.Millisecond,
		BreakerFailures: 5,
		BreakerCooldown: time.Second,
		MaxParticipants: 4,
		Retry:           validator.RetryPolicy{Base: time.Millisecond, Factor: 2, Max: 4 * time.Millisecond},
	}, zap.NewNop(), validator.WithTimer(newInstantTimer))
}

var errUnavailable = errkind.E(errkind.Unavailable, "fake", errors.New("down"))
