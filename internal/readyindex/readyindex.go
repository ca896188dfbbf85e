// Package readyindex is the advisory Redis-backed ready/retry index:
// two sorted sets per chain, scored by the Unix timestamp a transaction
// next becomes eligible to broadcast. It is never the source of truth -
// a lost or stale entry only costs a scheduler tick, since
// AcquireDueBatch against the store always backs it up.
package readyindex

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// Index wraps a redis client with the ready/retry zone operations the
// scheduler needs.
type Index struct {
	rdb *redis.Client
}

// New wraps an already-constructed redis client.
func New(rdb *redis.Client) *Index {
	return &Index{rdb: rdb}
}

func readyKey(chainID uint64) string { return fmt.Sprintf("watchtower:ready:%d", chainID) }
func retryKey(chainID uint64) string { return fmt.Sprintf("watchtower:retry:%d", chainID) }

// AddReady schedules a hash into the ready zone at eligibleAt.
func (idx *Index) AddReady(ctx context.Context, chainID uint64, txHash common.Hash, eligibleAt time.Time) error {
	return idx.rdb.ZAdd(ctx, readyKey(chainID), redis.Z{
		Score:  float64(eligibleAt.Unix()),
		Member: txHash.Hex(),
	}).Err()
}

// Reschedule moves a hash into the retry zone at nextActionAt,
// removing any stale entry from either zone first - mirroring the
// zrem-then-zadd sequence the scheduler uses after a retryable
// broadcast outcome.
func (idx *Index) Reschedule(ctx context.Context, chainID uint64, txHash common.Hash, nextActionAt time.Time) error {
	hex := txHash.Hex()
	pipe := idx.rdb.TxPipeline()
	pipe.ZRem(ctx, readyKey(chainID), hex)
	pipe.ZRem(ctx, retryKey(chainID), hex)
	pipe.ZAdd(ctx, retryKey(chainID), redis.Z{Score: float64(nextActionAt.Unix()), Member: hex})
	_, err := pipe.Exec(ctx)
	return err
}

// Remove drops a hash from both zones, used once a row has been leased
// or has reached a terminal state.
func (idx *Index) Remove(ctx context.Context, chainID uint64, txHash common.Hash) error {
	hex := txHash.Hex()
	pipe := idx.rdb.TxPipeline()
	pipe.ZRem(ctx, readyKey(chainID), hex)
	pipe.ZRem(ctx, retryKey(chainID), hex)
	_, err := pipe.Exec(ctx)
	return err
}

// FetchDue returns up to limit hex-encoded tx hashes scored at or
// before now, preferring the ready zone and topping up from retry.
func (idx *Index) FetchDue(ctx context.Context, chainID uint64, now time.Time, limit int) ([]string, error) {
	var out []string
	if limit <= 0 {
		return out, nil
	}

	maxScore := fmt.Sprintf("%d", now.Unix())
	ready, err := idx.rdb.ZRangeByScore(ctx, readyKey(chainID), &redis.ZRangeBy{
		Min: "-inf", Max: maxScore, Offset: 0, Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	out = append(out, ready...)

	if len(out) < limit {
		retry, err := idx.rdb.ZRangeByScore(ctx, retryKey(chainID), &redis.ZRangeBy{
			Min: "-inf", Max: maxScore, Offset: 0, Count: int64(limit - len(out)),
		}).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, retry...)
	}

	return out, nil
}

// ParseHash decodes a hex tx hash previously returned by FetchDue.
func ParseHash(hex string) (common.Hash, error) {
	if len(hex) != 66 {
		return common.Hash{}, fmt.Errorf("malformed tx hash %q", hex)
	}
	return common.HexToHash(hex), nil
}
