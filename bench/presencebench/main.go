package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	redisRepo "github.com/EthanQC/liveroom/internal/adapters/out/redis"
	"github.com/EthanQC/liveroom/internal/application/presence"
	"github.com/EthanQC/liveroom/internal/config"
	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/ports/out"
)

// Config 压测配置
type Config struct {
	RedisAddr string        // Redis 地址
	Users     int           // 用户数
	Devices   int           // 每用户设备数
	Duration  time.Duration // 心跳持续时间
	Heartbeat time.Duration // 心跳间隔
	Prefix    string        // 用户 ID 前缀
	Output    string        // 输出格式：text, json
}

// LatencyStats 延迟统计
type LatencyStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
	P99    float64 `json:"p99"`
	StdDev float64 `json:"std_dev"`
}

// Result 压测结果
type Result struct {
	Users          int              `json:"users"`
	Devices        int              `json:"devices_per_user"`
	Heartbeats     int              `json:"heartbeats"`
	FailedWrites   int              `json:"failed_writes"`
	WriteLatency   LatencyStats     `json:"write_latency_ms"`
	OnlineCorrect  int              `json:"online_correct"`
	OfflineCorrect int              `json:"offline_correct"`
	Mismatches     map[string]int64 `json:"mismatches"`
	ActualTime     float64          `json:"actual_time_seconds"`
}

// timedStore 记录每次心跳写入耗时
type timedStore struct {
	out.PresenceStore

	mu        sync.Mutex
	latencies []int64
	failed    int
}

func (s *timedStore) UpsertDevice(ctx context.Context, d entity.DeviceSession) error {
	start := time.Now()
	err := s.PresenceStore.UpsertDevice(ctx, d)
	s.mu.Lock()
	if err != nil {
		s.failed++
	} else {
		s.latencies = append(s.latencies, time.Since(start).Nanoseconds())
	}
	s.mu.Unlock()
	return err
}

func main() {
	cfg := parseFlags()

	fmt.Println("=== presencebench - 在线状态压测工具 ===")
	fmt.Printf("Redis: %s\n", cfg.RedisAddr)
	fmt.Printf("用户数: %d，每用户设备数: %d\n", cfg.Users, cfg.Devices)
	fmt.Printf("持续时间: %s，心跳间隔: %s\n\n", cfg.Duration, cfg.Heartbeat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n收到中断信号，提前结束...")
		cancel()
	}()

	defaults := config.Default()
	rc := defaults.Redis
	rc.Addr = cfg.RedisAddr
	client, err := redisRepo.NewClient(ctx, rc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "连接 Redis 失败: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	store := &timedStore{PresenceStore: redisRepo.NewPresenceStoreRedis(client, defaults.Presence.DeviceTTL, defaults.Presence.AggregateTTL, nil, zap.NewNop())}
	start := time.Now()
	result := run(ctx, cfg, store)
	result.ActualTime = time.Since(start).Seconds()

	if cfg.Output == "json" {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return
	}
	outputText(result)
}

func parseFlags() Config {
	cfg := Config{}
	flag.StringVar(&cfg.RedisAddr, "redis", "127.0.0.1:6379", "Redis 地址")
	flag.IntVar(&cfg.Users, "users", 100, "用户数")
	flag.IntVar(&cfg.Devices, "devices", 3, "每用户设备数")
	flag.DurationVar(&cfg.Duration, "duration", 30*time.Second, "心跳持续时间")
	flag.DurationVar(&cfg.Heartbeat, "heartbeat", time.Second, "心跳间隔")
	flag.StringVar(&cfg.Prefix, "prefix", "bench-user-", "用户 ID 前缀")
	flag.StringVar(&cfg.Output, "output", "text", "输出格式: text, json")
	flag.Parse()
	return cfg
}

func userID(cfg Config, i int) string { return fmt.Sprintf("%s%d", cfg.Prefix, i) }

func run(ctx context.Context, cfg Config, store *timedStore) Result {
	pcfg := presence.Config{
		HeartbeatInterval:       cfg.Heartbeat,
		ConnectionCheckInterval: cfg.Heartbeat,
		OfflineThreshold:        3 * cfg.Heartbeat,
		MaxDevices:              cfg.Devices,
	}
	res := Result{Users: cfg.Users, Devices: cfg.Devices, Mismatches: map[string]int64{}}

	bar := progressbar.NewOptions(cfg.Users*cfg.Devices,
		progressbar.OptionSetDescription("设备上线"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
	)

	var (
		mu         sync.Mutex
		registries []*presence.Registry
		wg         sync.WaitGroup
	)
	sem := make(chan struct{}, 64)
	for u := 0; u < cfg.Users; u++ {
		for d := 0; d < cfg.Devices; d++ {
			wg.Add(1)
			sem <- struct{}{}
			go func(u, d int) {
				defer wg.Done()
				defer func() { <-sem }()
				r := presence.NewRegistry(store, nil, pcfg, nil, zap.NewNop())
				err := r.Initialize(ctx, userID(cfg, u), presence.Device{
					DeviceID:   fmt.Sprintf("dev-%d", d),
					DeviceType: entity.DeviceTypeDesktop,
					Platform:   "bench",
				})
				mu.Lock()
				if err != nil {
					res.Mismatches["initialize: "+err.Error()]++
				} else {
					registries = append(registries, r)
				}
				mu.Unlock()
				_ = bar.Add(1)
			}(u, d)
		}
	}
	wg.Wait()
	fmt.Println()

	select {
	case <-ctx.Done():
	case <-time.After(cfg.Duration):
	}

	vctx := context.Background()
	res.OnlineCorrect = verify(vctx, cfg, store, func(agg *entity.AggregatedPresence) string {
		switch {
		case agg == nil:
			return "online: missing aggregate"
		case !agg.IsOnline:
			return "online: reported offline"
		case agg.TotalDevices != cfg.Devices:
			return "online: device count"
		}
		return ""
	}, res.Mismatches)

	for _, r := range registries {
		_ = r.Cleanup(vctx)
	}
	res.OfflineCorrect = verify(vctx, cfg, store, func(agg *entity.AggregatedPresence) string {
		if agg != nil && agg.IsOnline {
			return "offline: still online"
		}
		return ""
	}, res.Mismatches)

	store.mu.Lock()
	res.Heartbeats = len(store.latencies)
	res.FailedWrites = store.failed
	res.WriteLatency = latencyStats(store.latencies)
	store.mu.Unlock()
	return res
}

// verify 分批读取聚合，返回校验通过的用户数
func verify(ctx context.Context, cfg Config, store out.PresenceStore, check func(*entity.AggregatedPresence) string, mismatches map[string]int64) int {
	ids := make([]string, cfg.Users)
	for i := range ids {
		ids[i] = userID(cfg, i)
	}
	ok := 0
	for _, chunk := range presence.Chunk(ids, out.MaxInQuery) {
		aggs, err := store.GetAggregates(ctx, chunk)
		if err != nil {
			mismatches["read: "+err.Error()] += int64(len(chunk))
			continue
		}
		for _, id := range chunk {
			if reason := check(aggs[id]); reason != "" {
				mismatches[reason]++
				continue
			}
			ok++
		}
	}
	return ok
}

func latencyStats(latencies []int64) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}
	sorted := append([]int64(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	toMs := func(ns float64) float64 { return ns / 1e6 }

	var sum float64
	for _, v := range sorted {
		sum += float64(v)
	}
	avg := sum / float64(len(sorted))
	var variance float64
	for _, v := range sorted {
		diff := float64(v) - avg
		variance += diff * diff
	}
	variance /= float64(len(sorted))

	return LatencyStats{
		Min:    toMs(float64(sorted[0])),
		Max:    toMs(float64(sorted[len(sorted)-1])),
		Avg:    toMs(avg),
		P50:    toMs(float64(sorted[len(sorted)*50/100])),
		P90:    toMs(float64(sorted[len(sorted)*90/100])),
		P99:    toMs(float64(sorted[len(sorted)*99/100])),
		StdDev: toMs(math.Sqrt(variance)),
	}
}

func outputText(r Result) {
	fmt.Println()
	fmt.Println("==================== 压测结果 ====================")
	fmt.Printf("心跳写入数:     %d\n", r.Heartbeats)
	fmt.Printf("写入失败数:     %d\n", r.FailedWrites)
	fmt.Println("--- 写入延迟 (ms) ---")
	fmt.Printf("Min: %.2f  Avg: %.2f  Max: %.2f\n", r.WriteLatency.Min, r.WriteLatency.Avg, r.WriteLatency.Max)
	fmt.Printf("P50: %.2f  P90: %.2f  P99: %.2f  StdDev: %.2f\n", r.WriteLatency.P50, r.WriteLatency.P90, r.WriteLatency.P99, r.WriteLatency.StdDev)
	fmt.Println("--- 聚合正确性 ---")
	fmt.Printf("在线阶段正确:   %d/%d\n", r.OnlineCorrect, r.Users)
	fmt.Printf("下线阶段正确:   %d/%d\n", r.OfflineCorrect, r.Users)
	for reason, n := range r.Mismatches {
		fmt.Printf("%s: %d\n", reason, n)
	}
	fmt.Printf("--- 运行时间: %.2f 秒 ---\n", r.ActualTime)
}
