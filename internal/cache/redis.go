package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Gravitate-Health/focusing-manager-sub000/internal/epi"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/logging"
)

// gzipFrame prefixes values that are gzip-compressed and base64-framed.
const gzipFrame = "gz:"

const scanBatchSize = 100

// Redis is the shared distributed back-end. Values are JSON, optionally
// gzip+base64 framed; expiry is delegated to the server with the TTL rounded
// up to whole seconds; invalidation runs a cursor-based key scan.
type Redis struct {
	schemaVersion string
	client        redis.UniversalClient
	compress      bool
	counters      counters
	logger        logging.Logger
}

// NewRedis creates a distributed back-end on an existing client.
func NewRedis(client redis.UniversalClient, schemaVersion string, compress bool, logger logging.Logger) *Redis {
	return &Redis{
		schemaVersion: schemaVersion,
		client:        client,
		compress:      compress,
		logger:        logging.OrNop(logger),
	}
}

// NewRedisFromURL dials a redis server from a redis:// URL.
func NewRedisFromURL(url, schemaVersion string, compress bool, logger logging.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedis(redis.NewClient(opts), schemaVersion, compress, logger), nil
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Get(ctx context.Context, fingerprint string, steps []epi.Step) (epi.Document, int, error) {
	for k := len(steps); k >= 1; k-- {
		key := epi.CacheKey(r.schemaVersion, fingerprint, steps[:k])
		payload, err := r.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			r.counters.errors.Add(1)
			r.counters.misses.Add(1)
			return nil, 0, fmt.Errorf("redis get %s: %w", key, err)
		}
		doc, err := decodeValue(payload)
		if err != nil {
			// A corrupt entry behaves like an expired one.
			r.counters.errors.Add(1)
			r.client.Del(ctx, key)
			continue
		}
		r.counters.hit(k, len(steps))
		return doc, k, nil
	}
	r.counters.misses.Add(1)
	return nil, 0, nil
}

func (r *Redis) Set(ctx context.Context, fingerprint string, steps []epi.Step, value epi.Document, ttl time.Duration) error {
	if len(steps) == 0 {
		return fmt.Errorf("refusing to cache an empty pipeline prefix")
	}
	payload, err := r.encodeValue(value)
	if err != nil {
		r.counters.errors.Add(1)
		return err
	}
	key := epi.CacheKey(r.schemaVersion, fingerprint, steps)
	if err := r.client.Set(ctx, key, payload, roundUpToSeconds(ttl)).Err(); err != nil {
		r.counters.errors.Add(1)
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	r.counters.sets.Add(1)
	return nil
}

func (r *Redis) InvalidateByEpi(ctx context.Context, fingerprint string) error {
	return r.deleteByPattern(ctx, epi.EpiPattern(r.schemaVersion, fingerprint))
}

func (r *Redis) Stats() Stats { return r.counters.snapshot() }

func (r *Redis) Clear(ctx context.Context) error {
	return r.deleteByPattern(ctx, r.schemaVersion+":*")
}

func (r *Redis) deleteByPattern(ctx context.Context, pattern string) error {
	iter := r.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()
	batch := make([]string, 0, scanBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			r.counters.errors.Add(1)
			return fmt.Errorf("redis del: %w", err)
		}
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= scanBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		r.counters.errors.Add(1)
		return fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	return flush()
}

func (r *Redis) encodeValue(value epi.Document) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("serialize cache entry: %w", err)
	}
	if !r.compress {
		return string(data), nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return "", fmt.Errorf("compress cache entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compress cache entry: %w", err)
	}
	return gzipFrame + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// decodeValue accepts both framings so a store written with compression on
// stays readable after the flag is flipped.
func decodeValue(payload string) (epi.Document, error) {
	data := []byte(payload)
	if strings.HasPrefix(payload, gzipFrame) {
		compressed, err := base64.StdEncoding.DecodeString(payload[len(gzipFrame):])
		if err != nil {
			return nil, fmt.Errorf("decode cache frame: %w", err)
		}
		zr, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("decompress cache entry: %w", err)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("decompress cache entry: %w", err)
		}
	}
	var doc epi.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("deserialize cache entry: %w", err)
	}
	return doc, nil
}

// roundUpToSeconds converts a millisecond TTL to whole seconds, rounding up
// so entries never expire early.
func roundUpToSeconds(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	seconds := math.Ceil(ttl.Seconds())
	return time.Duration(seconds) * time.Second
}
