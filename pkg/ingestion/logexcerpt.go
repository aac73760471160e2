package ingestion

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/kernelci/kcidb-ingester/pkg/observability/metrics"
	"github.com/klauspost/compress/gzip"
	"github.com/redis/go-redis/v9"
)

// ExcerptRefPrefix marks a log_excerpt that was moved to the side store.
const ExcerptRefPrefix = "excerpt://"

type ExcerptStore interface {
	Put(ctx context.Context, key string, data []byte) error
}

// RedisExcerptStore keeps gzip-compressed excerpts keyed by content hash.
type RedisExcerptStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisExcerptStore(client redis.Cmdable, ttl time.Duration) *RedisExcerptStore {
	return &RedisExcerptStore{client: client, prefix: "kcidb:excerpt:", ttl: ttl}
}

func (s *RedisExcerptStore) Put(ctx context.Context, key string, data []byte) error {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return err
	}
	if _, err := zw.Write(data); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	// content addressed; overwriting only refreshes the TTL
	if err := s.client.Set(ctx, s.prefix+key, buf.Bytes(), s.ttl).Err(); err != nil {
		return fmt.Errorf("storing excerpt %s: %w", key, err)
	}
	return nil
}

const excerptMemoSize = 4096

// ExcerptExtractor replaces oversized log excerpts with references into an
// ExcerptStore. Recently stored hashes are remembered so repeated excerpts
// skip the store; a memo entry lives half the store TTL, so a reference is
// never handed out for a key about to expire.
type ExcerptExtractor struct {
	store     ExcerptStore
	threshold int
	stored    *expirable.LRU[string, struct{}]
}

// NewExcerptExtractor builds an extractor for a store whose entries expire
// after ttl. Zero means they never expire.
func NewExcerptExtractor(store ExcerptStore, threshold int, ttl time.Duration) *ExcerptExtractor {
	return &ExcerptExtractor{
		store:     store,
		threshold: threshold,
		stored:    expirable.NewLRU[string, struct{}](excerptMemoSize, nil, ttl/2),
	}
}

// Extract mutates doc and returns how many excerpts were replaced.
func (x *ExcerptExtractor) Extract(ctx context.Context, doc Document) (int, error) {
	replaced := 0
	for _, key := range []string{"checkouts", "builds", "tests"} {
		items, _ := doc[key].([]interface{})
		for _, item := range items {
			obj, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			excerpt, ok := obj["log_excerpt"].(string)
			if !ok || len(excerpt) <= x.threshold {
				continue
			}
			sum := sha256.Sum256([]byte(excerpt))
			hash := hex.EncodeToString(sum[:])
			if !x.stored.Contains(hash) {
				if err := x.store.Put(ctx, hash, []byte(excerpt)); err != nil {
					return replaced, err
				}
				x.stored.Add(hash, struct{}{})
			}
			obj["log_excerpt"] = ExcerptRefPrefix + hash
			replaced++
			metrics.IncExcerpt()
		}
	}
	return replaced, nil
}
