package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/douxiyou/vita-monit/internal/config"
	"github.com/douxiyou/vita-monit/internal/protocol"
)

// ConnectRedis 创建客户端并在 timeout 内确认可达，失败时关闭客户端
func ConnectRedis(ctx context.Context, cfg *config.RedisConfig, timeout time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: timeout,
	})

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", cfg.Addr, err)
	}
	return client, nil
}

// FrameEntry 写入 Streams 的一条上行帧
type FrameEntry struct {
	DeviceID   string         `json:"device_id"`
	DeviceType string         `json:"device_type"`
	FrameType  string         `json:"frame_type"`
	Frame      protocol.Frame `json:"raw_data"`
	RawHex     string         `json:"raw_hex"`
	Topic      string         `json:"topic"`
	Timestamp  int64          `json:"timestamp"`
}

// appendFrame XADD 一条记录：data 为完整 JSON，device_id/frame_type 单独成字段便于按设备过滤
// maxLen > 0 时按条数裁剪 Stream
func appendFrame(ctx context.Context, client *redis.Client, stream string, maxLen int64, e FrameEntry) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s frame from %s: %w", e.FrameType, e.DeviceID, err)
	}

	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Values: map[string]interface{}{
			"device_id":  e.DeviceID,
			"frame_type": e.FrameType,
			"data":       string(data),
			"timestamp":  e.Timestamp,
		},
	}).Result()
}
