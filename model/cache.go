package model

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// EmbeddingCache stores vectors keyed by model and input text.
type EmbeddingCache interface {
	Get(ctx context.Context, model, text string) ([]float32, bool, error)
	Set(ctx context.Context, model, text string, vec []float32) error
}

// CachedEmbedder serves repeated texts from the cache. Cache failures are
// logged and fall through to the backend.
type CachedEmbedder struct {
	next   Embedder
	cache  EmbeddingCache
	logger *slog.Logger
}

func NewCachedEmbedder(next Embedder, cache EmbeddingCache) *CachedEmbedder {
	return &CachedEmbedder{
		next:   next,
		cache:  cache,
		logger: slog.Default(),
	}
}

func (c *CachedEmbedder) Dimensions() int   { return c.next.Dimensions() }
func (c *CachedEmbedder) ModelName() string { return c.next.ModelName() }

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.lookup(ctx, text); ok {
		return vec, nil
	}
	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.store(ctx, text, vec)
	return vec, nil
}

func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if vec, ok := c.lookup(ctx, text); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.next.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.store(ctx, texts[i], vecs[j])
	}
	return out, nil
}

func (c *CachedEmbedder) lookup(ctx context.Context, text string) ([]float32, bool) {
	vec, ok, err := c.cache.Get(ctx, c.next.ModelName(), text)
	if err != nil {
		c.logger.Warn("[CACHE] embedding lookup failed", "error", err)
		return nil, false
	}
	return vec, ok
}

func (c *CachedEmbedder) store(ctx context.Context, text string, vec []float32) {
	if err := c.cache.Set(ctx, c.next.ModelName(), text, vec); err != nil {
		c.logger.Warn("[CACHE] embedding store failed", "error", err)
	}
}

// RedisCache keeps embeddings in Redis as little-endian float32 arrays.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    ttl,
	}
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + model + ":" + hex.EncodeToString(sum[:])
}

func (r *RedisCache) Get(ctx context.Context, model, text string) ([]float32, bool, error) {
	data, err := r.client.Get(ctx, cacheKey(model, text)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get embedding from cache: %w", err)
	}
	vec, err := decodeEmbedding(data)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

func (r *RedisCache) Set(ctx context.Context, model, text string, vec []float32) error {
	data, err := encodeEmbedding(vec)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, cacheKey(model, text), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set embedding in cache: %w", err)
	}
	return nil
}

func encodeEmbedding(vec []float32) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(vec))); err != nil {
		return nil, fmt.Errorf("failed to write embedding length: %w", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, vec); err != nil {
		return nil, fmt.Errorf("failed to write embedding values: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEmbedding(data []byte) ([]float32, error) {
	buf := bytes.NewReader(data)
	var n uint32
	if err := binary.Read(buf, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("failed to read embedding length: %w", err)
	}
	if int(n)*4 != buf.Len() {
		return nil, fmt.Errorf("corrupt cached embedding: length %d, %d bytes left", n, buf.Len())
	}
	vec := make([]float32, n)
	if err := binary.Read(buf, binary.LittleEndian, vec); err != nil {
		return nil, fmt.Errorf("failed to read embedding values: %w", err)
	}
	return vec, nil
}
