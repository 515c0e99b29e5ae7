package translate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// SourceLanguage is fixed: tutors speak Spanish, translations explain
	// what the tutor said.
	SourceLanguage = "es"

	DefaultTargetLanguage = "en"

	cacheTTL    = 30 * 24 * time.Hour
	cachePrefix = "tr"
)

var (
	ErrEmptyText   = errors.New("text is required for translation")
	ErrUnavailable = errors.New("translation service unavailable")
)

// Cache holds previously computed translations. Misses and cache outages
// are equivalent from the caller's point of view.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

// RedisCache adapts a redis client to the translation cache. All errors
// degrade to misses; the cache never blocks a translation.
type RedisCache struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisCache(client *redis.Client, log zerolog.Logger) *RedisCache {
	return &RedisCache{client: client, log: log}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Debug().Err(err).Msg("translation cache read error")
		}
		return "", false
	}
	return val, true
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.log.Debug().Err(err).Msg("translation cache write error")
	}
}

// Service fronts the engine's machine translation endpoint. Translations
// are literal, so identical inputs are cached aggressively.
type Service struct {
	engineURL  string
	httpClient *http.Client
	cache      Cache
	log        zerolog.Logger
}

// NewService builds a translation client against the engine's public base
// URL. cache may be nil when no redis is configured.
func NewService(engineURL string, cache Cache, log zerolog.Logger) *Service {
	return &Service{
		engineURL:  strings.TrimRight(engineURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		cache:      cache,
		log:        log,
	}
}

type translateRequest struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"target_language"`
}

type translateResponse struct {
	Translation    string `json:"translation"`
	TargetLanguage string `json:"target_language"`
}

// Translate returns the literal translation of tutor text, serving repeats
// from the cache. An empty targetLanguage means English.
func (s *Service) Translate(ctx context.Context, text, targetLanguage string) (string, error) {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return "", ErrEmptyText
	}
	if targetLanguage == "" {
		targetLanguage = DefaultTargetLanguage
	}

	key := cacheKey(cleaned, targetLanguage)
	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, key); ok {
			return cached, nil
		}
	}

	translated, err := s.callEngine(ctx, cleaned, targetLanguage)
	if err != nil {
		return "", err
	}

	if s.cache != nil && translated != "" {
		s.cache.Set(ctx, key, translated, cacheTTL)
	}
	return translated, nil
}

func (s *Service) callEngine(ctx context.Context, text, targetLanguage string) (string, error) {
	body, err := json.Marshal(translateRequest{Text: text, TargetLanguage: targetLanguage})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.engineURL+"/voice/translate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.log.Warn().
			Int("status", resp.StatusCode).
			Str("body", string(payload)).
			Msg("translation request rejected")
		if resp.StatusCode == http.StatusServiceUnavailable {
			return "", ErrUnavailable
		}
		return "", fmt.Errorf("translation request failed with status %d", resp.StatusCode)
	}

	var out translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode translation response: %w", err)
	}
	return strings.TrimSpace(out.Translation), nil
}

// cacheKey hashes the input so arbitrarily long utterances map to short,
// fixed-size redis keys.
func cacheKey(text, targetLanguage string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%s:%s:%s:%s",
		cachePrefix, SourceLanguage, targetLanguage, hex.EncodeToString(sum[:])[:16])
}
