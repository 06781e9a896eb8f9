package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/redis/go-redis/v9"
)

// sentimentTTL bounds how long a snapshot survives without refresh. Sentiment
// older than a trading day is worthless for entry decisions.
const sentimentTTL = 24 * time.Hour

// SentimentCache implements domain.SentimentCache using one Redis hash per
// symbol at "sentiment:{symbol}" with fields "score", "mentions", and "ts"
// (Unix nanoseconds), plus an index set "sentiment:symbols" for All.
type SentimentCache struct {
	rdb *redis.Client
}

// NewSentimentCache creates a SentimentCache backed by the given Client.
func NewSentimentCache(c *Client) *SentimentCache {
	return &SentimentCache{rdb: c.rdb}
}

const sentimentIndexKey = "sentiment:symbols"

func sentimentKey(symbol string) string {
	return "sentiment:" + symbol
}

// Set stores the latest snapshot for a symbol and registers it in the index.
func (sc *SentimentCache) Set(ctx context.Context, snap domain.SentimentSnapshot) error {
	key := sentimentKey(snap.Symbol)
	fields := map[string]interface{}{
		"score":    strconv.FormatFloat(snap.Score, 'f', -1, 64),
		"mentions": strconv.Itoa(snap.Mentions),
		"ts":       strconv.FormatInt(snap.Timestamp.UnixNano(), 10),
	}

	pipe := sc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, sentimentTTL)
	pipe.SAdd(ctx, sentimentIndexKey, snap.Symbol)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set sentiment %s: %w", snap.Symbol, err)
	}
	return nil
}

// Get retrieves the latest snapshot for a symbol. It returns
// domain.ErrNotFound when no snapshot exists.
func (sc *SentimentCache) Get(ctx context.Context, symbol string) (domain.SentimentSnapshot, error) {
	vals, err := sc.rdb.HGetAll(ctx, sentimentKey(symbol)).Result()
	if err != nil {
		return domain.SentimentSnapshot{}, fmt.Errorf("redis: get sentiment %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return domain.SentimentSnapshot{}, domain.ErrNotFound
	}
	return parseSnapshot(symbol, vals)
}

// All returns the snapshot of every indexed symbol. Symbols whose hashes have
// expired are dropped from the index as a side effect.
func (sc *SentimentCache) All(ctx context.Context) ([]domain.SentimentSnapshot, error) {
	symbols, err := sc.rdb.SMembers(ctx, sentimentIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: sentiment index: %w", err)
	}
	if len(symbols) == 0 {
		return nil, nil
	}

	pipe := sc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(symbols))
	for _, sym := range symbols {
		cmds[sym] = pipe.HGetAll(ctx, sentimentKey(sym))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: sentiment pipeline: %w", err)
	}

	snaps := make([]domain.SentimentSnapshot, 0, len(symbols))
	var expired []interface{}
	for _, sym := range symbols {
		vals, err := cmds[sym].Result()
		if err != nil || len(vals) == 0 {
			expired = append(expired, sym)
			continue
		}
		snap, err := parseSnapshot(sym, vals)
		if err != nil {
			continue
		}
		snaps = append(snaps, snap)
	}
	if len(expired) > 0 {
		_ = sc.rdb.SRem(ctx, sentimentIndexKey, expired...).Err()
	}
	return snaps, nil
}

func parseSnapshot(symbol string, vals map[string]string) (domain.SentimentSnapshot, error) {
	score, err := strconv.ParseFloat(vals["score"], 64)
	if err != nil {
		return domain.SentimentSnapshot{}, fmt.Errorf("redis: parse sentiment score %s: %w", symbol, err)
	}
	mentions, err := strconv.Atoi(vals["mentions"])
	if err != nil {
		return domain.SentimentSnapshot{}, fmt.Errorf("redis: parse sentiment mentions %s: %w", symbol, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.SentimentSnapshot{}, fmt.Errorf("redis: parse sentiment ts %s: %w", symbol, err)
	}
	return domain.SentimentSnapshot{
		Symbol:    symbol,
		Score:     score,
		Mentions:  mentions,
		Timestamp: time.Unix(0, tsNano).UTC(),
	}, nil
}

// Compile-time interface check.
var _ domain.SentimentCache = (*SentimentCache)(nil)
