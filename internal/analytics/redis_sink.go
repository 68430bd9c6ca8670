package analytics

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const defaultStream = "interactions:log"

// RedisSink appends interaction events to a Redis stream that downstream
// consumers (parental dashboard workers) read at their own pace.
type RedisSink struct {
	rdb    *redis.Client
	stream string
}

func NewRedisSink(rdb *redis.Client, stream string) *RedisSink {
	if stream == "" {
		stream = defaultStream
	}
	return &RedisSink{rdb: rdb, stream: stream}
}

func (s *RedisSink) LogInteraction(ctx context.Context, in Interaction) error {
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"session_id":     in.SessionID,
			"user_text":      in.UserText,
			"assistant_text": in.AssistantText,
			"ts_unix":        strconv.FormatInt(in.Timestamp.UTC().Unix(), 10),
		},
	}).Err()
}
