package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const maxWatchRetries = 3

// RedisRegistry 基于 Redis 的共享注册表，多个 worker 看到同一份设备状态
// 一致性：单个设备 key 用 WATCH 乐观锁做读改写，跨 key 无事务；记录带 TTL，重启后不恢复
type RedisRegistry struct {
	client      *redis.Client
	prefix      string
	ttl         time.Duration
	timeout     time.Duration
	logCapacity int64
	logger      *zap.Logger
	now         func() time.Time
}

// RedisOptions Redis 注册表参数
type RedisOptions struct {
	KeyPrefix   string
	RecordTTL   time.Duration
	Timeout     time.Duration
	LogCapacity int
}

// NewRedisRegistry 创建 Redis 注册表
func NewRedisRegistry(client *redis.Client, opts RedisOptions, logger *zap.Logger) *RedisRegistry {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "vita:registry:"
	}
	if opts.RecordTTL <= 0 {
		opts.RecordTTL = 24 * time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 500 * time.Millisecond
	}
	if opts.LogCapacity <= 0 {
		opts.LogCapacity = DefaultLogCapacity
	}
	return &RedisRegistry{
		client:      client,
		prefix:      opts.KeyPrefix,
		ttl:         opts.RecordTTL,
		timeout:     opts.Timeout,
		logCapacity: int64(opts.LogCapacity),
		logger:      logger,
		now:         time.Now,
	}
}

func (r *RedisRegistry) deviceKey(id string) string { return r.prefix + "device:" + id }
func (r *RedisRegistry) indexKey() string           { return r.prefix + "devices" }
func (r *RedisRegistry) logKey() string             { return r.prefix + "logs" }

func (r *RedisRegistry) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

// Add 新增或覆盖设备记录
func (r *RedisRegistry) Add(id string, info Info) {
	ctx, cancel := r.ctx()
	defer cancel()

	data, err := json.Marshal(newRecord(id, info))
	if err != nil {
		r.logger.Error("Failed to marshal device record", zap.String("device_id", id), zap.Error(err))
		return
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.deviceKey(id), data, r.ttl)
		pipe.SAdd(ctx, r.indexKey(), id)
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to store device record", zap.String("device_id", id), zap.Error(err))
		return
	}
	r.appendLog(ctx, SeverityInfo, fmt.Sprintf("device online: %s", id))
}

// Update 乐观锁读改写；设备不存在时返回 false
func (r *RedisRegistry) Update(id string, patch Patch) bool {
	ctx, cancel := r.ctx()
	defer cancel()

	key := r.deviceKey(id)
	found := false
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		found = true

		var rec DeviceRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal device record: %w", err)
		}
		rec.apply(patch)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < maxWatchRetries; i++ {
		err = r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		r.logger.Error("Failed to update device record", zap.String("device_id", id), zap.Error(err))
		return false
	}
	if found && len(patch.Alarms) > 0 {
		r.appendLog(ctx, SeverityAlarm, alarmMessage(id, patch.Alarms))
	}
	return found
}

// Get 获取设备记录
func (r *RedisRegistry) Get(id string) (DeviceRecord, bool) {
	ctx, cancel := r.ctx()
	defer cancel()

	raw, err := r.client.Get(ctx, r.deviceKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Error("Failed to get device record", zap.String("device_id", id), zap.Error(err))
		}
		return DeviceRecord{}, false
	}
	var rec DeviceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		r.logger.Error("Failed to unmarshal device record", zap.String("device_id", id), zap.Error(err))
		return DeviceRecord{}, false
	}
	return rec, true
}

// GetAll 获取所有设备；已过期的记录会从索引中清理
func (r *RedisRegistry) GetAll() []DeviceRecord {
	ctx, cancel := r.ctx()
	defer cancel()

	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		r.logger.Error("Failed to list devices", zap.Error(err))
		return nil
	}
	if len(ids) == 0 {
		return []DeviceRecord{}
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.deviceKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		r.logger.Error("Failed to load devices", zap.Error(err))
		return nil
	}

	out := make([]DeviceRecord, 0, len(values))
	var expired []interface{}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var rec DeviceRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			r.logger.Warn("Skipping corrupt device record", zap.String("device_id", ids[i]), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	if len(expired) > 0 {
		r.client.SRem(ctx, r.indexKey(), expired...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear 删除所有设备记录
func (r *RedisRegistry) Clear() {
	ctx, cancel := r.ctx()
	defer cancel()

	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		r.logger.Error("Failed to list devices", zap.Error(err))
		return
	}
	keys := []string{r.indexKey()}
	for _, id := range ids {
		keys = append(keys, r.deviceKey(id))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.logger.Error("Failed to clear registry", zap.Error(err))
		return
	}
	r.appendLog(ctx, SeverityInfo, fmt.Sprintf("registry cleared: %d devices removed", len(ids)))
}

// Logs 日志（旧→新）
func (r *RedisRegistry) Logs() []LogEntry {
	ctx, cancel := r.ctx()
	defer cancel()

	raws, err := r.client.LRange(ctx, r.logKey(), 0, -1).Result()
	if err != nil {
		r.logger.Error("Failed to read logs", zap.Error(err))
		return nil
	}
	out := make([]LogEntry, 0, len(raws))
	for _, s := range raws {
		var e LogEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (r *RedisRegistry) Len() int {
	ctx, cancel := r.ctx()
	defer cancel()

	n, err := r.client.SCard(ctx, r.indexKey()).Result()
	if err != nil {
		r.logger.Error("Failed to count devices", zap.Error(err))
		return 0
	}
	return int(n)
}

// appendLog RPUSH + LTRIM 保证列表长度不超过容量，超出部分从头部（最旧）淘汰
func (r *RedisRegistry) appendLog(ctx context.Context, severity Severity, message string) {
	data, err := json.Marshal(LogEntry{Time: r.now(), Severity: severity, Message: message})
	if err != nil {
		return
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, r.logKey(), data)
		pipe.LTrim(ctx, r.logKey(), -r.logCapacity, -1)
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to append log", zap.Error(err))
	}
}
