package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Key prefix for panel session hashes
	keyPrefix = "panel:session:"

	fieldQuery          = "query"
	fieldResponse       = "response"
	fieldNotice         = "notice"
	fieldFailureKind    = "failure_kind"
	fieldFailureMessage = "failure_message"
	fieldFileName       = "file_name"
	fieldFileType       = "file_type"
	fieldFileData       = "file_data"
	fieldGeneration     = "generation"

	// Concurrent writes to the same session abort a watched save; it is
	// retried this many times.
	maxWatchRetries = 8
)

var slotFields = []string{
	fieldQuery, fieldResponse, fieldNotice, fieldFailureKind,
	fieldFailureMessage, fieldFileName, fieldFileType, fieldFileData,
}

// RedisStore keeps each session as a hash so every patch only writes the
// fields it carries.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (State, error) {
	fields, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return State{}, fmt.Errorf("load session: %w", err)
	}
	return stateFromFields(fields), nil
}

func (s *RedisStore) Save(ctx context.Context, id string, p Patch) error {
	values := patchFields(p)
	if len(values) == 0 {
		return nil
	}
	key := sessionKey(id)
	if p.IfGeneration == nil {
		if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.queueWrite(ctx, pipe, key, values)
			return nil
		}); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		return nil
	}

	// The generation is watched so a reset landing between the check and
	// the write aborts the transaction.
	check := func(tx *redis.Tx) error {
		gen, err := tx.HGet(ctx, key, fieldGeneration).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if gen != *p.IfGeneration {
			return ErrStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.queueWrite(ctx, pipe, key, values)
			return nil
		})
		return err
	}
	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, check, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrStale):
			return err
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return fmt.Errorf("save session: %w", err)
		}
	}
	return fmt.Errorf("save session: %w", redis.TxFailedErr)
}

func (s *RedisStore) queueWrite(ctx context.Context, pipe redis.Pipeliner, key string, values map[string]any) {
	pipe.HSet(ctx, key, values)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
}

// Reset drops every slot but keeps the hash alive with a bumped generation.
func (s *RedisStore) Reset(ctx context.Context, id string) error {
	key := sessionKey(id)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, key, slotFields...)
		pipe.HIncrBy(ctx, key, fieldGeneration, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func sessionKey(id string) string {
	return keyPrefix + id
}

// patchFields flattens a patch into hash fields.
func patchFields(p Patch) map[string]any {
	values := make(map[string]any)
	if p.Query != nil {
		values[fieldQuery] = *p.Query
	}
	if p.Response != nil {
		values[fieldResponse] = *p.Response
	}
	if p.Notice != nil {
		values[fieldNotice] = *p.Notice
	}
	if p.Failure != nil {
		values[fieldFailureKind] = string(p.Failure.Kind)
		values[fieldFailureMessage] = p.Failure.Message
	}
	if p.File != nil {
		values[fieldFileName] = p.File.Name
		values[fieldFileType] = p.File.ContentType
		values[fieldFileData] = p.File.Data
	}
	return values
}

func stateFromFields(fields map[string]string) State {
	state := State{
		Query:    fields[fieldQuery],
		Response: fields[fieldResponse],
		Notice:   fields[fieldNotice],
		Failure: Failure{
			Kind:    FailureKind(fields[fieldFailureKind]),
			Message: fields[fieldFailureMessage],
		},
	}
	if gen, err := strconv.ParseUint(fields[fieldGeneration], 10, 64); err == nil {
		state.Generation = gen
	}
	if name, ok := fields[fieldFileName]; ok {
		state.File = &File{
			Name:        name,
			ContentType: fields[fieldFileType],
			Data:        []byte(fields[fieldFileData]),
		}
	}
	return state
}
