package cycle

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultPrizePercent 奖池占总报名费的百分比
const DefaultPrizePercent = 70

var ErrInvalidCycleID = errors.New("invalid cycle id")

// Cycle 周期性活动的一个时间窗口 [Start, End)
type Cycle struct {
	ID     string
	Period time.Duration
	Start  time.Time
	End    time.Time
}

// For 返回 t 所在的周期，窗口按 Unix 零点对齐
func For(t time.Time, period time.Duration) Cycle {
	sec := int64(period / time.Second)
	if sec <= 0 {
		sec = 1
	}
	startUnix := t.Unix() - mod(t.Unix(), sec)
	start := time.Unix(startUnix, 0).UTC()
	return Cycle{
		ID:     fmt.Sprintf("%d-%d", sec, startUnix),
		Period: time.Duration(sec) * time.Second,
		Start:  start,
		End:    start.Add(time.Duration(sec) * time.Second),
	}
}

// Parse 从 ID 还原周期
func Parse(id string) (Cycle, error) {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 {
		return Cycle{}, fmt.Errorf("%w: %q", ErrInvalidCycleID, id)
	}
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || sec <= 0 {
		return Cycle{}, fmt.Errorf("%w: %q", ErrInvalidCycleID, id)
	}
	startUnix, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || mod(startUnix, sec) != 0 {
		return Cycle{}, fmt.Errorf("%w: %q", ErrInvalidCycleID, id)
	}
	return For(time.Unix(startUnix, 0), time.Duration(sec)*time.Second), nil
}

// Contains t 是否落在窗口内
func (c Cycle) Contains(t time.Time) bool {
	return !t.Before(c.Start) && t.Before(c.End)
}

// Next 下一个周期
func (c Cycle) Next() Cycle {
	return For(c.End, c.Period)
}

// PrizePool 0 人为 0；1 人全额退还；2 人及以上取 floor(n*cost*percent/100)
func PrizePool(n, cost int64, percent int64) int64 {
	switch {
	case n <= 0:
		return 0
	case n == 1:
		return cost
	default:
		return n * cost * percent / 100
	}
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
