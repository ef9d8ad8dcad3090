package push

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "orderflow:push:session:"

// unbindScript 只删除仍指向本节点的会话，避免清掉用户在别的节点上的新连接。
var unbindScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisSessions 在 Redis 中记录 userID → 网关节点。
type RedisSessions struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisSessions(rdb redis.UniversalClient, ttl time.Duration) *RedisSessions {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSessions{rdb: rdb, ttl: ttl}
}

func (s *RedisSessions) Bind(ctx context.Context, userID, nodeID string) error {
	return s.rdb.Set(ctx, sessionKeyPrefix+userID, nodeID, s.ttl).Err()
}

func (s *RedisSessions) Unbind(ctx context.Context, userID, nodeID string) error {
	return unbindScript.Run(ctx, s.rdb, []string{sessionKeyPrefix + userID}, nodeID).Err()
}

// NodeOf 返回用户当前所在的节点，没有会话时返回空字符串。
func (s *RedisSessions) NodeOf(ctx context.Context, userID string) (string, error) {
	node, err := s.rdb.Get(ctx, sessionKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return node, err
}
