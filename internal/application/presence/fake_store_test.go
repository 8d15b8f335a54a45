package presence

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/domain/errkind"
	"github.com/EthanQC/liveroom/internal/ports/out"
)

var errStoreDown = errkind.E(errkind.Unavailable, "fake store", errors.New("offline"))

type fakeSub struct {
	all    bool
	ids    map[string]bool
	ch     chan *entity.AggregatedPresence
	once   sync.Once
	closed chan struct{}
}

func (s *fakeSub) Updates() <-chan *entity.AggregatedPresence { return s.ch }

func (s *fakeSub) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// memStore 内存版 PresenceStore，多个 Registry 可共享
type memStore struct {
	mu         sync.Mutex
	devices    map[string]map[string]entity.DeviceSession
	aggregates map[string]*entity.AggregatedPresence
	subs       []*fakeSub
	subChunks  [][]string
	down       bool
	upserts    int
}

func newMemStore() *memStore {
	return &memStore{
		devices:    map[string]map[string]entity.DeviceSession{},
		aggregates: map[string]*entity.AggregatedPresence{},
	}
}

func (m *memStore) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

func (m *memStore) Upserts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

func (m *memStore) Aggregate(userID string) *entity.AggregatedPresence {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aggregates[userID]
}

func (m *memStore) DeviceIDs(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.devices[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *memStore) OpenSubs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subs {
		select {
		case <-s.closed:
		default:
			n++
		}
	}
	return n
}

func (m *memStore) UpsertDevice(_ context.Context, s entity.DeviceSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errStoreDown
	}
	m.upserts++
	if m.devices[s.UserID] == nil {
		m.devices[s.UserID] = map[string]entity.DeviceSession{}
	}
	m.devices[s.UserID][s.DeviceID] = s
	return nil
}

func (m *memStore) DeleteDevice(_ context.Context, userID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errStoreDown
	}
	delete(m.devices[userID], deviceID)
	return nil
}

func (m *memStore) ListDevices(_ context.Context, userID string, limit int) ([]entity.DeviceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errStoreDown
	}
	var res []entity.DeviceSession
	for _, d := range m.devices[userID] {
		res = append(res, d)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].LastSeen.After(res[j].LastSeen) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *memStore) SaveAggregate(_ context.Context, agg *entity.AggregatedPresence) error {
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return errStoreDown
	}
	m.aggregates[agg.UserID] = agg
	var targets []*fakeSub
	for _, s := range m.subs {
		if s.all || s.ids[agg.UserID] {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- agg:
		case <-s.closed:
		}
	}
	return nil
}

func (m *memStore) GetAggregates(_ context.Context, userIDs []string) (map[string]*entity.AggregatedPresence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(userIDs) > out.MaxInQuery {
		return nil, errkind.E(errkind.Validation, "get aggregates", nil)
	}
	res := map[string]*entity.AggregatedPresence{}
	for _, id := range userIDs {
		if agg, ok := m.aggregates[id]; ok {
			res[id] = agg
		}
	}
	return res, nil
}

func (m *memStore) Subscribe(_ context.Context, userIDs []string) (out.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(userIDs) > out.MaxInQuery {
		return nil, errkind.E(errkind.Validation, "subscribe", nil)
	}
	s := &fakeSub{ids: map[string]bool{}, ch: make(chan *entity.AggregatedPresence, 16), closed: make(chan struct{})}
	for _, id := range userIDs {
		s.ids[id] = true
	}
	m.subs = append(m.subs, s)
	m.subChunks = append(m.subChunks, append([]string(nil), userIDs...))
	return s, nil
}

func (m *memStore) SubscribeAll(context.Context) (out.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errStoreDown
	}
	s := &fakeSub{all: true, ch: make(chan *entity.AggregatedPresence, 16), closed: make(chan struct{})}
	m.subs = append(m.subs, s)
	return s, nil
}

func (m *memStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errStoreDown
	}
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*entity.PresenceEvent
}

func (p *recordingPublisher) PublishPresenceChange(_ context.Context, e *entity.PresenceEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Events() []*entity.PresenceEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*entity.PresenceEvent(nil), p.events...)
}
