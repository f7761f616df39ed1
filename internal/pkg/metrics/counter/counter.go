package counter

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/everkeep/everkeep/internal/pkg/cache"
	"github.com/everkeep/everkeep/internal/pkg/database"
)

const apiKeyRequestsKey = "apikey:counters:requests"

// AddAPIKeyRequest increments the pending request counter for a user's API key in Redis
func AddAPIKeyRequest(userID uint) error {
	ctx := context.Background()
	field := strconv.FormatUint(uint64(userID), 10)
	return cache.GetClient().HIncrBy(ctx, apiKeyRequestsKey, field, 1).Err()
}

// FlushAll flushes pending API key request counters to the database
func FlushAll() error {
	return flushHashToTable(cache.GetClient(), database.GetDB(), apiKeyRequestsKey, "user_settings", "api_key_request_count")
}

type pendingPair struct {
	id  uint64
	inc int64
}

// flushHashToTable drains a Redis hash atomically and applies batched increments keyed by user_id.
// Uses RENAME to a temporary key for atomic drain without losing in-flight increments; a failed
// database write merges the drained counts back so the next flush retries them.
func flushHashToTable(rdb *redis.Client, db *gorm.DB, redisKey, table, column string) error {
	ctx := context.Background()

	// Atomically move the hash to a temp key for draining
	tmpKey := fmt.Sprintf("%s:tmp:%d", redisKey, time.Now().UnixNano())
	if err := rdb.Do(ctx, "RENAME", redisKey, tmpKey).Err(); err != nil {
		// If key does not exist, nothing to flush
		if strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return nil
		}
		// Some Redis libs return redis.Nil; treat as empty
		if err.Error() == "redis: nil" {
			return nil
		}
		return err
	}

	data, err := rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return err
	}

	pairs := parsePending(data)
	if len(pairs) == 0 {
		rdb.Del(ctx, tmpKey)
		return nil
	}

	sql, args := buildIncrementSQL(table, column, pairs)
	if err := db.Exec(sql, args...).Error; err != nil {
		// Put the drained counts back so the next flush retries them.
		restorePending(ctx, rdb, redisKey, pairs)
		rdb.Del(ctx, tmpKey)
		return err
	}
	return rdb.Del(ctx, tmpKey).Err()
}

// parsePending converts a drained hash into sorted (user_id, increment) pairs,
// skipping malformed fields and zero increments.
func parsePending(data map[string]string) []pendingPair {
	pairs := make([]pendingPair, 0, len(data))
	for k, v := range data {
		id, perr := strconv.ParseUint(k, 10, 64)
		if perr != nil {
			continue
		}
		inc, ierr := strconv.ParseInt(v, 10, 64)
		if ierr != nil || inc == 0 {
			continue
		}
		pairs = append(pairs, pendingPair{id: id, inc: inc})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].id < pairs[j].id })
	return pairs
}

// buildIncrementSQL composes one batched UPDATE:
// UPDATE <table> SET <column> = <column> + CASE user_id WHEN ? THEN ? ... END WHERE user_id IN ( ... )
func buildIncrementSQL(table, column string, pairs []pendingPair) (string, []interface{}) {
	var builder strings.Builder
	args := make([]interface{}, 0, len(pairs)*3)
	builder.WriteString("UPDATE ")
	builder.WriteString(table)
	builder.WriteString(" SET ")
	builder.WriteString(column)
	builder.WriteString(" = ")
	builder.WriteString(column)
	builder.WriteString(" + CASE user_id ")
	for _, p := range pairs {
		builder.WriteString(" WHEN ? THEN ?")
		args = append(args, p.id, p.inc)
	}
	builder.WriteString(" END WHERE user_id IN (")
	for i, p := range pairs {
		if i > 0 {
			builder.WriteString(",")
		}
		builder.WriteString("?")
		args = append(args, p.id)
	}
	builder.WriteString(")")
	return builder.String(), args
}

func restorePending(ctx context.Context, rdb *redis.Client, redisKey string, pairs []pendingPair) {
	for _, p := range pairs {
		field := strconv.FormatUint(p.id, 10)
		if err := rdb.HIncrBy(ctx, redisKey, field, p.inc).Err(); err != nil {
			log.Printf("counter: failed to restore %s/%s after flush failure: %v", redisKey, field, err)
		}
	}
}

// StartFlusher periodically flushes pending counters until the context is canceled.
func StartFlusher(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := FlushAll(); err != nil {
					log.Printf("counter flush failed: %v", err)
				}
			}
		}
	}()
}
