package counter

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/everkeep/everkeep/app/models"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func newTestDB(t *testing.T, migrate bool) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	if migrate {
		require.NoError(t, db.AutoMigrate(&models.UserSettings{}))
	}
	return db
}

func requestCount(t *testing.T, db *gorm.DB, userID uint) uint64 {
	t.Helper()
	var us models.UserSettings
	require.NoError(t, db.Where("user_id = ?", userID).First(&us).Error)
	return us.APIKeyReqCount
}

func TestFlushAppliesBatchedIncrements(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	db := newTestDB(t, true)

	require.NoError(t, db.Create(&models.UserSettings{UserID: 1, Plan: "free"}).Error)
	require.NoError(t, db.Create(&models.UserSettings{UserID: 2, Plan: "premium", APIKeyReqCount: 10}).Error)

	require.NoError(t, rdb.HIncrBy(ctx, apiKeyRequestsKey, "1", 3).Err())
	require.NoError(t, rdb.HIncrBy(ctx, apiKeyRequestsKey, "2", 5).Err())
	require.NoError(t, rdb.HIncrBy(ctx, apiKeyRequestsKey, "not-a-user", 9).Err())

	err := flushHashToTable(rdb, db, apiKeyRequestsKey, "user_settings", "api_key_request_count")
	require.NoError(t, err)

	assert.Equal(t, uint64(3), requestCount(t, db, 1))
	assert.Equal(t, uint64(15), requestCount(t, db, 2))

	// The pending hash and the drain key are gone.
	keys, err := rdb.Keys(ctx, "*").Result()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFlushWithNothingPendingIsNoOp(t *testing.T) {
	_, rdb := newTestRedis(t)
	// A database without the table proves no SQL runs on an empty flush.
	db := newTestDB(t, false)

	err := flushHashToTable(rdb, db, apiKeyRequestsKey, "user_settings", "api_key_request_count")
	require.NoError(t, err)
}

func TestFlushRestoresCountersWhenDatabaseFails(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	db := newTestDB(t, false)

	require.NoError(t, rdb.HIncrBy(ctx, apiKeyRequestsKey, "1", 4).Err())
	require.NoError(t, rdb.HIncrBy(ctx, apiKeyRequestsKey, "2", 2).Err())

	err := flushHashToTable(rdb, db, apiKeyRequestsKey, "user_settings", "api_key_request_count")
	require.Error(t, err)

	// The drained counts are back in the pending hash for the next flush.
	got, err := rdb.HGetAll(ctx, apiKeyRequestsKey).Result()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "4", "2": "2"}, got)

	// No orphaned drain keys remain.
	keys, err := rdb.Keys(ctx, "*").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{apiKeyRequestsKey}, keys)
}

func TestBuildIncrementSQLOrdersPairs(t *testing.T) {
	sql, args := buildIncrementSQL("user_settings", "api_key_request_count", parsePending(map[string]string{
		"9": "1",
		"3": "7",
	}))

	assert.Equal(t,
		"UPDATE user_settings SET api_key_request_count = api_key_request_count + CASE user_id  WHEN ? THEN ? WHEN ? THEN ? END WHERE user_id IN (?,?)",
		sql)
	assert.Equal(t, []interface{}{uint64(3), int64(7), uint64(9), int64(1), uint64(3), uint64(9)}, args)
}
