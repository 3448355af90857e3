package router

import (
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/liftedinit/many-go/pkg/envelope"
)

// RedisAsyncStore backs AsyncStore with Redis, so async tokens survive a
// server restart and are visible across replicas behind the same
// transport (spec.md §4.3.3).
type RedisAsyncStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisAsyncStore connects to addr (a redis:// URL as accepted by
// redis.ParseURL, or a bare host:port) and returns a store keying entries
// under prefix with the given time-to-live.
func NewRedisAsyncStore(addr, prefix string, ttl time.Duration) *RedisAsyncStore {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	return &RedisAsyncStore{
		client: redis.NewClient(opts),
		prefix: prefix,
		ttl:    ttl,
	}
}

type redisAsyncRecord struct {
	State    uint8  `cbor:"0,keyasint"`
	Envelope []byte `cbor:"1,keyasint,omitempty"`
}

func (s *RedisAsyncStore) key(token string) string {
	return s.prefix + token
}

func (s *RedisAsyncStore) write(token string, rec redisAsyncRecord) {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return
	}
	s.client.Set(context.Background(), s.key(token), data, s.ttl)
}

func (s *RedisAsyncStore) Put(token string) {
	s.write(token, redisAsyncRecord{State: uint8(AsyncQueued)})
}

func (s *RedisAsyncStore) SetProcessing(token string) {
	s.write(token, redisAsyncRecord{State: uint8(AsyncProcessing)})
}

func (s *RedisAsyncStore) SetDone(token string, env envelope.Envelope) {
	wire, err := env.Encode()
	if err != nil {
		return
	}
	s.write(token, redisAsyncRecord{State: uint8(AsyncDone), Envelope: wire})
}

func (s *RedisAsyncStore) SetExpired(token string) {
	s.write(token, redisAsyncRecord{State: uint8(AsyncExpired)})
}

func (s *RedisAsyncStore) Status(token string) (AsyncState, *envelope.Envelope) {
	data, err := s.client.Get(context.Background(), s.key(token)).Bytes()
	if err != nil {
		return AsyncUnknown, nil
	}
	var rec redisAsyncRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return AsyncUnknown, nil
	}
	state := AsyncState(rec.State)
	if state != AsyncDone || len(rec.Envelope) == 0 {
		return state, nil
	}
	env, err := envelope.Decode(rec.Envelope)
	if err != nil {
		return state, nil
	}
	return state, &env
}
