package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis keeps each room in two hashes, one for attachments and one for
// custom fields, each paired with a sorted set that records insertion
// order.
type Redis struct {
	rdb    *redis.Client
	logger *slog.Logger
}

var _ Store = (*Redis)(nil)

const redisPrefix = "ripples:"

// OpenRedis connects to addr and checks the server answers.
func OpenRedis(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	r := &Redis{rdb: rdb, logger: logger.With(slog.String("component", "store_redis"))}
	r.logger.Info("Redis store connected", slog.String("addr", addr), slog.Int("db", db))
	return r, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func roomKey(room, kind string) string { return redisPrefix + room + ":" + kind }

// redisAttachment is the hash value of one attachment.
type redisAttachment struct {
	Role  string `cbor:"role"`
	State []byte `cbor:"state"`
}

// put writes field into the kind hash and records its first insertion.
func (r *Redis) put(ctx context.Context, room, kind, field string, value []byte) error {
	seq, err := r.rdb.Incr(ctx, redisPrefix+"seq").Result()
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, roomKey(room, kind), field, value)
		p.ZAddNX(ctx, roomKey(room, kind+":order"), redis.Z{Score: float64(seq), Member: field})
		return nil
	})
	return err
}

func (r *Redis) del(ctx context.Context, room, kind, field string) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, roomKey(room, kind), field)
		p.ZRem(ctx, roomKey(room, kind+":order"), field)
		return nil
	})
	return err
}

// list returns the kind hash in insertion order.
func (r *Redis) list(ctx context.Context, room, kind string) ([]Record, error) {
	fields, err := r.rdb.ZRange(ctx, roomKey(room, kind+":order"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	values, err := r.rdb.HMGet(ctx, roomKey(room, kind), fields...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(fields))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Order entry without a value; the hash write was lost.
			r.logger.Warn("Dropping dangling order entry", slog.String("room", room), slog.String("field", fields[i]))
			continue
		}
		out = append(out, Record{Key: fields[i], Value: []byte(s)})
	}
	return out, nil
}

// --- Attachments ---

func (r *Redis) SaveAttachment(ctx context.Context, room string, a Attachment) error {
	value, err := Encode(redisAttachment{Role: a.Role, State: a.State})
	if err != nil {
		return fmt.Errorf("encode attachment: %w", err)
	}
	if err := r.put(ctx, room, "att", a.ConnID, value); err != nil {
		return fmt.Errorf("save attachment: %w", err)
	}
	return nil
}

func (r *Redis) DeleteAttachment(ctx context.Context, room, connID string) error {
	if err := r.del(ctx, room, "att", connID); err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

func (r *Redis) LoadAttachments(ctx context.Context, room string) ([]Attachment, error) {
	recs, err := r.list(ctx, room, "att")
	if err != nil {
		return nil, fmt.Errorf("load attachments: %w", err)
	}
	out := make([]Attachment, 0, len(recs))
	for _, rec := range recs {
		var v redisAttachment
		if err := Decode(rec.Value, &v); err != nil {
			return nil, fmt.Errorf("decode attachment %s: %w", rec.Key, err)
		}
		out = append(out, Attachment{ConnID: rec.Key, Role: v.Role, State: v.State})
	}
	return out, nil
}

// --- Custom fields ---

func (r *Redis) PutCustom(ctx context.Context, room, key string, value []byte) error {
	if err := r.put(ctx, room, "custom", key, value); err != nil {
		return fmt.Errorf("put custom: %w", err)
	}
	return nil
}

func (r *Redis) DeleteCustom(ctx context.Context, room, key string) error {
	if err := r.del(ctx, room, "custom", key); err != nil {
		return fmt.Errorf("delete custom: %w", err)
	}
	return nil
}

func (r *Redis) ListCustoms(ctx context.Context, room string) ([]Record, error) {
	recs, err := r.list(ctx, room, "custom")
	if err != nil {
		return nil, fmt.Errorf("list customs: %w", err)
	}
	return recs, nil
}
