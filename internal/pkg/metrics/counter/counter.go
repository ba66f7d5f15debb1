package counter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nexmobile/subsync/internal/pkg/cache"
)

const (
	expiredKey = "sweep:counters:expired"
	renewedKey = "sweep:counters:renewed"
)

// Sink is the flush target; the subscription repository satisfies it.
type Sink interface {
	AddDailyCounters(day string, expired, renewed int64) error
}

// AddExpired increments the pending expired counter for today in Redis
func AddExpired(n int64) error {
	if n <= 0 {
		return nil
	}
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, expiredKey, today(), n).Err()
}

// AddRenewed increments the pending renewed counter for today in Redis
func AddRenewed(n int64) error {
	if n <= 0 {
		return nil
	}
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, renewedKey, today(), n).Err()
}

// FlushAll drains both counters into the daily analytics table
func FlushAll(sink Sink) error {
	expired, err := drain(expiredKey)
	if err != nil {
		return err
	}
	renewed, err := drain(renewedKey)
	if err != nil {
		return err
	}

	days := make(map[string][2]int64)
	for day, n := range expired {
		v := days[day]
		v[0] += n
		days[day] = v
	}
	for day, n := range renewed {
		v := days[day]
		v[1] += n
		days[day] = v
	}

	for day, v := range days {
		if err := sink.AddDailyCounters(day, v[0], v[1]); err != nil {
			return err
		}
	}
	return nil
}

// drain atomically moves a counter hash to a temp key and reads it, so
// in-flight increments are never lost.
func drain(redisKey string) (map[string]int64, error) {
	ctx := context.Background()
	rdb := cache.GetClient()

	tmpKey := fmt.Sprintf("%s:tmp:%d", redisKey, time.Now().UnixNano())
	if err := rdb.Do(ctx, "RENAME", redisKey, tmpKey).Err(); err != nil {
		// If key does not exist, nothing to flush
		if strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return nil, nil
		}
		return nil, err
	}

	fields, err := rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return nil, err
	}
	_ = rdb.Del(ctx, tmpKey).Err()

	out := make(map[string]int64, len(fields))
	for day, raw := range fields {
		n, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			continue
		}
		out[day] = n
	}
	return out, nil
}

func today() string {
	return time.Now().Format("2006-01-02")
}
