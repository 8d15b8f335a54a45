package presence

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/domain/errkind"
	"github.com/EthanQC/liveroom/internal/ports/out"
)

// Snapshot userID → 聚合状态
type Snapshot map[string]*entity.AggregatedPresence

// Watcher 订阅一个或多个用户的聚合在线状态
type Watcher struct {
	store  out.PresenceStore
	logger *zap.Logger
}

// NewWatcher 创建订阅器
func NewWatcher(store out.PresenceStore, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{store: store, logger: logger.With(zap.String("component", "presence_watcher"))}
}

// Watch 一次订阅，Updates 每次推送合并后的完整快照
type Watch struct {
	updates   chan Snapshot
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Updates 快照流，订阅关闭后 channel 被关闭
func (w *Watch) Updates() <-chan Snapshot { return w.updates }

// Done 订阅结束后关闭
func (w *Watch) Done() <-chan struct{} { return w.done }

// Close 取消订阅，返回时不会再有推送
func (w *Watch) Close() error {
	w.closeOnce.Do(func() {
		w.cancel()
		<-w.done
	})
	return nil
}

// OnUserPresence 订阅单个用户
func (w *Watcher) OnUserPresence(ctx context.Context, userID string) (*Watch, error) {
	return w.OnMultipleUsersPresence(ctx, []string{userID})
}

// OnMultipleUsersPresence 订阅多个用户，按 MaxInQuery 分批订阅后合并成一个快照流
func (w *Watcher) OnMultipleUsersPresence(ctx context.Context, userIDs []string) (*Watch, error) {
	ids := dedupe(userIDs)
	if len(ids) == 0 {
		return nil, errkind.E(errkind.Validation, "presence.watch", nil)
	}
	chunks := Chunk(ids, out.MaxInQuery)

	wctx, cancel := context.WithCancel(ctx)
	subs := make([]out.Subscription, len(chunks))
	initial := make([]map[string]*entity.AggregatedPresence, len(chunks))

	// 订阅挂在 wctx 上，errgroup 的 ctx 只用于建立阶段
	g, gctx := errgroup.WithContext(wctx)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			sub, err := w.store.Subscribe(wctx, chunk)
			if err != nil {
				return err
			}
			subs[i] = sub
			aggs, err := w.store.GetAggregates(gctx, chunk)
			if err != nil {
				return err
			}
			initial[i] = aggs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range subs {
			if s != nil {
				_ = s.Close()
			}
		}
		cancel()
		return nil, err
	}

	snap := make(Snapshot, len(ids))
	for _, id := range ids {
		snap[id] = entity.Offline(id)
	}
	for _, aggs := range initial {
		for id, agg := range aggs {
			if agg != nil {
				snap[id] = agg
			}
		}
	}

	watch := &Watch{
		updates: make(chan Snapshot, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	watch.updates <- snap.clone()
	go w.merge(wctx, watch, subs, snap)
	return watch, nil
}

// merge 把各批次订阅的变化合并到同一个快照
func (w *Watcher) merge(ctx context.Context, watch *Watch, subs []out.Subscription, snap Snapshot) {
	defer close(watch.done)
	defer close(watch.updates)

	in := make(chan *entity.AggregatedPresence)
	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s out.Subscription) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case agg, ok := <-s.Updates():
					if !ok {
						return
					}
					select {
					case in <- agg:
					case <-ctx.Done():
						return
					}
				}
			}
		}(s)
	}
	defer func() {
		for _, s := range subs {
			_ = s.Close()
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case agg := <-in:
			if agg == nil {
				continue
			}
			if _, ok := snap[agg.UserID]; !ok {
				continue
			}
			snap[agg.UserID] = agg
			publishLatest(watch.updates, snap.clone())
		}
	}
}

// publishLatest 消费方来不及读时丢弃旧快照，只保留最新的
func publishLatest(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (s Snapshot) clone() Snapshot {
	c := make(Snapshot, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// Chunk 把 ids 切成不超过 size 的批次
func Chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = out.MaxInQuery
	}
	var chunks [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	res := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		res = append(res, id)
	}
	return res
}
