package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arvina-tech/temprano-watchtower/internal/model"
)

// MemStore is an in-memory Store for unit and e2e tests. Each test
// constructs its own instance; there is no package-level shared state.
// It enforces the same fenced-update discipline as GormStore so tests
// exercise the real lease semantics, not a shortcut.
type MemStore struct {
	mu      sync.Mutex
	nextID  int64
	rows    map[int64]*model.TxRecord
	byHash  map[[2]interface{}]int64 // (chainID, txHash) -> id
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		rows:   make(map[int64]*model.TxRecord),
		byHash: make(map[[2]interface{}]int64),
	}
}

func clone(r *model.TxRecord) *model.TxRecord {
	cp := *r
	return &cp
}

func hashKey(chainID uint64, txHash common.Hash) [2]interface{} {
	return [2]interface{}{chainID, txHash}
}

func (s *MemStore) InsertTx(ctx context.Context, tx model.NewTx) (*model.TxRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := hashKey(tx.ChainID, tx.TxHash)
	if id, ok := s.byHash[key]; ok {
		return clone(s.rows[id]), true, nil
	}

	s.nextID++
	id := s.nextID
	now := tx.EligibleAt
	rec := &model.TxRecord{
		ID:           id,
		ChainID:      tx.ChainID,
		TxHash:       tx.TxHash,
		RawTx:        tx.RawTx,
		Sender:       tx.Sender,
		FeePayer:     tx.FeePayer,
		NonceKey:     tx.NonceKey,
		Nonce:        tx.Nonce,
		ValidAfter:   tx.ValidAfter,
		ValidBefore:  tx.ValidBefore,
		EligibleAt:   tx.EligibleAt,
		ExpiresAt:    tx.ExpiresAt,
		Status:       model.StatusQueued,
		GroupID:      tx.GroupID,
		NextActionAt: &tx.NextActionAt,
		Attempts:     0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.rows[id] = rec
	s.byHash[key] = id
	return clone(rec), false, nil
}

func (s *MemStore) GetGroupNonceKey(ctx context.Context, chainID uint64, sender common.Address, groupID [16]byte) (*[32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ChainID == chainID && r.Sender == sender && r.GroupID != nil && *r.GroupID == groupID {
			key := r.NonceKey
			return &key, nil
		}
	}
	return nil, nil
}

func (s *MemStore) GetGroupNonceWindows(ctx context.Context, chainID uint64, sender common.Address, groupID [16]byte) ([]GroupNonceWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []GroupNonceWindow
	for _, r := range s.rows {
		if r.ChainID == chainID && r.Sender == sender && r.GroupID != nil && *r.GroupID == groupID {
			out = append(out, GroupNonceWindow{Nonce: r.Nonce, ValidBefore: r.ValidBefore})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out, nil
}

func (s *MemStore) GetTxByHash(ctx context.Context, chainID *uint64, txHash common.Hash) (*model.TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *model.TxRecord
	for _, r := range s.rows {
		if r.TxHash != txHash {
			continue
		}
		if chainID != nil && r.ChainID != *chainID {
			continue
		}
		if found == nil || r.CreatedAt.After(found.CreatedAt) {
			found = r
		}
	}
	if found == nil {
		return nil, nil
	}
	return clone(found), nil
}

func (s *MemStore) ListTxs(ctx context.Context, filters TxFilters) ([]*model.TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	statusSet := map[model.TxStatus]bool{}
	for _, st := range filters.Statuses {
		statusSet[st] = true
	}

	var out []*model.TxRecord
	for _, r := range s.rows {
		if filters.ChainID != nil && r.ChainID != *filters.ChainID {
			continue
		}
		if filters.Sender != nil && r.Sender != *filters.Sender {
			continue
		}
		if filters.GroupID != nil && (r.GroupID == nil || *r.GroupID != *filters.GroupID) {
			continue
		}
		if len(statusSet) > 0 && !statusSet[r.Status] {
			continue
		}
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := filters.Limit
	if limit <= 0 {
		limit = 1
	}
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) ListSenderGroups(ctx context.Context, sender common.Address, chainID *uint64, limit int64, activeOnly bool) ([]SenderGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups := make(map[[17]byte]*SenderGroup)
	for _, r := range s.rows {
		if r.Sender != sender || r.GroupID == nil {
			continue
		}
		if chainID != nil && r.ChainID != *chainID {
			continue
		}
		var k [17]byte
		copy(k[:16], r.GroupID[:])
		k[16] = byte(r.ChainID)
		g, ok := groups[k]
		if !ok {
			g = &SenderGroup{ChainID: r.ChainID, GroupID: *r.GroupID, StartAt: r.EligibleAt, EndAt: r.EligibleAt}
			groups[k] = g
		}
		if r.EligibleAt.Before(g.StartAt) {
			g.StartAt = r.EligibleAt
		}
		if r.EligibleAt.After(g.EndAt) {
			g.EndAt = r.EligibleAt
		}
	}
	var out []SenderGroup
	now := time.Now()
	for _, g := range groups {
		if activeOnly && !g.EndAt.After(now) {
			continue
		}
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	if limit <= 0 {
		limit = 1
	}
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) GetGroupTxs(ctx context.Context, sender common.Address, groupID [16]byte, chainID *uint64) ([]*model.TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.TxRecord
	for _, r := range s.rows {
		if r.Sender != sender || r.GroupID == nil || *r.GroupID != groupID {
			continue
		}
		if chainID != nil && r.ChainID != *chainID {
			continue
		}
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out, nil
}

func (s *MemStore) CancelGroup(ctx context.Context, sender common.Address, groupID [16]byte) ([]*model.TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.TxRecord
	for _, r := range s.rows {
		if r.Sender != sender || r.GroupID == nil || *r.GroupID != groupID {
			continue
		}
		r.Status = model.StatusCanceledLocally
		r.RawTx = nil
		r.NextActionAt = nil
		r.LeaseOwner = nil
		r.LeaseUntil = nil
		r.UpdatedAt = time.Now()
		out = append(out, clone(r))
	}
	return out, nil
}

func (s *MemStore) ListActiveTxs(ctx context.Context, chainID uint64) ([]*model.TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.TxRecord
	for _, r := range s.rows {
		if r.ChainID != chainID {
			continue
		}
		if r.Status == model.StatusQueued || r.Status == model.StatusBroadcasting || r.Status == model.StatusRetryScheduled {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func leasable(r *model.TxRecord, now time.Time) bool {
	switch r.Status {
	case model.StatusQueued, model.StatusRetryScheduled:
	case model.StatusBroadcasting:
	default:
		return false
	}
	if r.NextActionAt == nil || r.NextActionAt.After(now) {
		return false
	}
	if r.LeaseUntil != nil && r.LeaseUntil.After(now) {
		return false
	}
	return true
}

func (s *MemStore) AcquireDueByHash(ctx context.Context, chainID uint64, txHash common.Hash, now time.Time, owner string, leaseUntil time.Time) (*model.TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[hashKey(chainID, txHash)]
	if !ok {
		return nil, nil
	}
	r := s.rows[id]
	if !leasable(r, now) {
		return nil, nil
	}
	r.Status = model.StatusBroadcasting
	r.LeaseOwner = &owner
	r.LeaseUntil = &leaseUntil
	r.UpdatedAt = now
	return clone(r), nil
}

func (s *MemStore) AcquireDueBatch(ctx context.Context, chainID uint64, now time.Time, owner string, leaseUntil time.Time, limit int) ([]*model.TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		return nil, nil
	}
	var candidates []*model.TxRecord
	for _, r := range s.rows {
		if r.ChainID == chainID && leasable(r, now) {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].NextActionAt.Before(*candidates[j].NextActionAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]*model.TxRecord, 0, len(candidates))
	for _, r := range candidates {
		r.Status = model.StatusBroadcasting
		r.LeaseOwner = &owner
		r.LeaseUntil = &leaseUntil
		r.UpdatedAt = now
		out = append(out, clone(r))
	}
	return out, nil
}

func (s *MemStore) RescheduleIfLeased(ctx context.Context, id int64, owner string, status model.TxStatus, nextActionAt time.Time, attempts int, lastError *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok || r.Status != model.StatusBroadcasting || r.LeaseOwner == nil || *r.LeaseOwner != owner {
		return false, nil
	}
	r.Status = status
	r.NextActionAt = &nextActionAt
	r.Attempts = attempts
	r.LastError = lastError
	now := time.Now()
	r.LastBroadcastAt = &now
	r.LeaseOwner = nil
	r.LeaseUntil = nil
	r.UpdatedAt = now
	return true, nil
}

func (s *MemStore) MarkTerminalIfLeased(ctx context.Context, id int64, owner string, status model.TxStatus, attempts int, lastError *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok || r.Status != model.StatusBroadcasting || r.LeaseOwner == nil || *r.LeaseOwner != owner {
		return false, nil
	}
	r.Status = status
	r.Attempts = attempts
	r.LastError = lastError
	r.NextActionAt = nil
	r.LeaseOwner = nil
	r.LeaseUntil = nil
	r.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemStore) markTerminal(id int64, status model.TxStatus) {
	r, ok := s.rows[id]
	if !ok {
		return
	}
	r.Status = status
	r.NextActionAt = nil
	r.LeaseOwner = nil
	r.LeaseUntil = nil
	r.UpdatedAt = time.Now()
}

func (s *MemStore) MarkExecuted(ctx context.Context, id int64, receipt []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[id]; ok {
		r.Receipt = receipt
	}
	s.markTerminal(id, model.StatusExecuted)
	return nil
}

func (s *MemStore) MarkStaleByNonce(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markTerminal(id, model.StatusStaleByNonce)
	return nil
}

func (s *MemStore) MarkExpired(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markTerminal(id, model.StatusExpired)
	return nil
}

func (s *MemStore) RecoverStuckBroadcasts(ctx context.Context, now time.Time) ([]*model.TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.TxRecord
	for _, r := range s.rows {
		if r.Status == model.StatusBroadcasting && r.NextActionAt == nil {
			r.Status = model.StatusRetryScheduled
			r.NextActionAt = &now
			r.LeaseOwner = nil
			r.LeaseUntil = nil
			r.UpdatedAt = now
			out = append(out, clone(r))
		}
	}
	return out, nil
}

var _ Store = (*MemStore)(nil)
