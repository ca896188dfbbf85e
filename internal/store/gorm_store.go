package store

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/arvina-tech/temprano-watchtower/internal/model"
)

// dbRow is the gorm row mapping for table "txs". Variable-length byte
// columns are stored as []byte and converted to/from their at-rest
// types (common.Hash etc) at the package boundary.
type dbRow struct {
	ID              int64  `gorm:"column:id;primaryKey"`
	ChainID         uint64 `gorm:"column:chain_id"`
	TxHash          []byte `gorm:"column:tx_hash"`
	RawTx           []byte `gorm:"column:raw_tx"`
	Sender          []byte `gorm:"column:sender"`
	FeePayer        []byte `gorm:"column:fee_payer"`
	NonceKey        []byte `gorm:"column:nonce_key"`
	Nonce           uint64 `gorm:"column:nonce"`
	ValidAfter      *uint64
	ValidBefore     *uint64
	EligibleAt      time.Time
	ExpiresAt       *time.Time
	Status          string
	GroupID         []byte `gorm:"column:group_id"`
	NextActionAt    *time.Time
	LeaseOwner      *string
	LeaseUntil      *time.Time
	Attempts        int
	LastError       *string
	LastBroadcastAt *time.Time
	Receipt         []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (dbRow) TableName() string { return "txs" }

func toRecord(r dbRow) *model.TxRecord {
	rec := &model.TxRecord{
		ID:              r.ID,
		ChainID:         r.ChainID,
		TxHash:          common.BytesToHash(r.TxHash),
		RawTx:           r.RawTx,
		Sender:          common.BytesToAddress(r.Sender),
		Nonce:           r.Nonce,
		ValidAfter:      r.ValidAfter,
		ValidBefore:     r.ValidBefore,
		EligibleAt:      r.EligibleAt,
		ExpiresAt:       r.ExpiresAt,
		Status:          model.TxStatus(r.Status),
		NextActionAt:    r.NextActionAt,
		LeaseOwner:      r.LeaseOwner,
		LeaseUntil:      r.LeaseUntil,
		Attempts:        r.Attempts,
		LastError:       r.LastError,
		LastBroadcastAt: r.LastBroadcastAt,
		Receipt:         r.Receipt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	copy(rec.NonceKey[:], r.NonceKey)
	if len(r.FeePayer) == 20 {
		addr := common.BytesToAddress(r.FeePayer)
		rec.FeePayer = &addr
	}
	if len(r.GroupID) == 16 {
		var g [16]byte
		copy(g[:], r.GroupID)
		rec.GroupID = &g
	}
	return rec
}

// GormStore is the Postgres-backed Store, grounded on
// transaction_manager.go's own gorm.io/gorm + gorm.io/gorm/clause usage.
type GormStore struct {
	db *gorm.DB
}

// Open connects to Postgres via gorm, migrates the txs table, and
// returns a ready GormStore. Connection retry on startup is the
// caller's responsibility (see internal/retry), keeping connection
// establishment separate from the components that use the store.
func Open(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&dbRow{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// DB exposes the underlying *gorm.DB, e.g. for inspection in tests.
func (s *GormStore) DB() *gorm.DB { return s.db }

func (s *GormStore) InsertTx(ctx context.Context, tx model.NewTx) (*model.TxRecord, bool, error) {
	var groupID []byte
	if tx.GroupID != nil {
		groupID = tx.GroupID[:]
	}
	var feePayer []byte
	if tx.FeePayer != nil {
		feePayer = tx.FeePayer.Bytes()
	}

	row := dbRow{
		ChainID:      tx.ChainID,
		TxHash:       tx.TxHash.Bytes(),
		RawTx:        tx.RawTx,
		Sender:       tx.Sender.Bytes(),
		FeePayer:     feePayer,
		NonceKey:     tx.NonceKey[:],
		Nonce:        tx.Nonce,
		ValidAfter:   tx.ValidAfter,
		ValidBefore:  tx.ValidBefore,
		EligibleAt:   tx.EligibleAt,
		ExpiresAt:    tx.ExpiresAt,
		Status:       string(model.StatusQueued),
		GroupID:      groupID,
		NextActionAt: &tx.NextActionAt,
	}

	result := s.db.WithContext(ctx).
		Table("txs").
		Where("chain_id = ? AND tx_hash = ?", tx.ChainID, tx.TxHash.Bytes()).
		Attrs(row).
		FirstOrCreate(&row)
	if result.Error != nil {
		return nil, false, result.Error
	}
	alreadyKnown := result.RowsAffected == 0

	var fetched dbRow
	if err := s.db.WithContext(ctx).Table("txs").
		Where("chain_id = ? AND tx_hash = ?", tx.ChainID, tx.TxHash.Bytes()).
		First(&fetched).Error; err != nil {
		return nil, false, err
	}
	return toRecord(fetched), alreadyKnown, nil
}

func (s *GormStore) GetGroupNonceKey(ctx context.Context, chainID uint64, sender common.Address, groupID [16]byte) (*[32]byte, error) {
	var nonceKey []byte
	err := s.db.WithContext(ctx).Table("txs").
		Select("nonce_key").
		Where("chain_id = ? AND sender = ? AND group_id = ?", chainID, sender.Bytes(), groupID[:]).
		Limit(1).
		Scan(&nonceKey).Error
	if err != nil {
		return nil, err
	}
	if len(nonceKey) == 0 {
		return nil, nil
	}
	var out [32]byte
	copy(out[:], nonceKey)
	return &out, nil
}

func (s *GormStore) GetGroupNonceWindows(ctx context.Context, chainID uint64, sender common.Address, groupID [16]byte) ([]GroupNonceWindow, error) {
	var rows []struct {
		Nonce       uint64
		ValidBefore *uint64
	}
	err := s.db.WithContext(ctx).Table("txs").
		Select("nonce, valid_before").
		Where("chain_id = ? AND sender = ? AND group_id = ?", chainID, sender.Bytes(), groupID[:]).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]GroupNonceWindow, len(rows))
	for i, r := range rows {
		out[i] = GroupNonceWindow{Nonce: r.Nonce, ValidBefore: r.ValidBefore}
	}
	return out, nil
}

func (s *GormStore) GetTxByHash(ctx context.Context, chainID *uint64, txHash common.Hash) (*model.TxRecord, error) {
	q := s.db.WithContext(ctx).Table("txs").Where("tx_hash = ?", txHash.Bytes())
	if chainID != nil {
		q = q.Where("chain_id = ?", *chainID)
	} else {
		q = q.Order("created_at DESC")
	}
	var row dbRow
	err := q.Limit(1).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toRecord(row), nil
}

func (s *GormStore) ListTxs(ctx context.Context, filters TxFilters) ([]*model.TxRecord, error) {
	q := s.db.WithContext(ctx).Table("txs")
	if filters.ChainID != nil {
		q = q.Where("chain_id = ?", *filters.ChainID)
	}
	if filters.Sender != nil {
		q = q.Where("sender = ?", filters.Sender.Bytes())
	}
	if filters.GroupID != nil {
		q = q.Where("group_id = ?", filters.GroupID[:])
	}
	if len(filters.Statuses) > 0 {
		statuses := make([]string, len(filters.Statuses))
		for i, s := range filters.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where("status IN ?", statuses)
	}
	limit := filters.Limit
	if limit <= 0 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}
	var rows []dbRow
	if err := q.Order("created_at DESC").Limit(int(limit)).Find(&rows).Error; err != nil {
		return nil, err
	}
	return toRecords(rows), nil
}

func (s *GormStore) ListSenderGroups(ctx context.Context, sender common.Address, chainID *uint64, limit int64, activeOnly bool) ([]SenderGroup, error) {
	q := s.db.WithContext(ctx).Table("txs").
		Select("chain_id, group_id, MIN(eligible_at) AS start_at, MAX(eligible_at) AS end_at").
		Where("sender = ? AND group_id IS NOT NULL", sender.Bytes())
	if chainID != nil {
		q = q.Where("chain_id = ?", *chainID)
	}
	q = q.Group("chain_id, group_id")
	if activeOnly {
		q = q.Having("MAX(eligible_at) > NOW()")
	}
	if limit <= 0 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}
	var rows []struct {
		ChainID uint64
		GroupID []byte
		StartAt time.Time
		EndAt   time.Time
	}
	if err := q.Order("chain_id, group_id").Limit(int(limit)).Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]SenderGroup, len(rows))
	for i, r := range rows {
		var g [16]byte
		copy(g[:], r.GroupID)
		out[i] = SenderGroup{ChainID: r.ChainID, GroupID: g, StartAt: r.StartAt, EndAt: r.EndAt}
	}
	return out, nil
}

func (s *GormStore) GetGroupTxs(ctx context.Context, sender common.Address, groupID [16]byte, chainID *uint64) ([]*model.TxRecord, error) {
	q := s.db.WithContext(ctx).Table("txs").
		Where("sender = ? AND group_id = ?", sender.Bytes(), groupID[:])
	if chainID != nil {
		q = q.Where("chain_id = ?", *chainID)
	}
	var rows []dbRow
	if err := q.Order("nonce ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toRecords(rows), nil
}

func (s *GormStore) CancelGroup(ctx context.Context, sender common.Address, groupID [16]byte) ([]*model.TxRecord, error) {
	var rows []dbRow
	err := s.db.WithContext(ctx).Raw(`
		UPDATE txs
		SET status = ?,
			raw_tx = NULL,
			next_action_at = NULL,
			lease_owner = NULL,
			lease_until = NULL,
			updated_at = NOW()
		WHERE sender = ? AND group_id = ?
		RETURNING *
	`, string(model.StatusCanceledLocally), sender.Bytes(), groupID[:]).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return toRecords(rows), nil
}

func (s *GormStore) ListActiveTxs(ctx context.Context, chainID uint64) ([]*model.TxRecord, error) {
	var rows []dbRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT * FROM txs
		WHERE chain_id = ?
		  AND status IN (?, ?, ?)
		ORDER BY next_action_at ASC NULLS LAST, created_at ASC
	`, chainID, string(model.StatusQueued), string(model.StatusBroadcasting), string(model.StatusRetryScheduled)).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return toRecords(rows), nil
}

// AcquireDueByHash is the single-row lease path used by the scheduler
// once the ready index points at a concrete hash. It is a single
// conditional UPDATE, idempotent against stale index entries.
func (s *GormStore) AcquireDueByHash(ctx context.Context, chainID uint64, txHash common.Hash, now time.Time, owner string, leaseUntil time.Time) (*model.TxRecord, error) {
	var row dbRow
	err := s.db.WithContext(ctx).Raw(`
		UPDATE txs
		SET status = ?, lease_owner = ?, lease_until = ?, updated_at = NOW()
		WHERE chain_id = ? AND tx_hash = ?
		  AND status IN (?, ?, ?)
		  AND next_action_at <= ?
		  AND (lease_until IS NULL OR lease_until < ?)
		RETURNING *
	`, string(model.StatusBroadcasting), owner, leaseUntil,
		chainID, txHash.Bytes(),
		string(model.StatusQueued), string(model.StatusRetryScheduled), string(model.StatusBroadcasting),
		now, now,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return toRecord(row), nil
}

// AcquireDueBatch is the fallback batch lease, SKIP LOCKED-aware so two
// concurrent schedulers never hand the same row to two workers.
func (s *GormStore) AcquireDueBatch(ctx context.Context, chainID uint64, now time.Time, owner string, leaseUntil time.Time, limit int) ([]*model.TxRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []dbRow
	err := s.db.WithContext(ctx).Raw(`
		WITH due AS (
			SELECT id FROM txs
			WHERE chain_id = ?
			  AND status IN (?, ?, ?)
			  AND next_action_at <= ?
			  AND (lease_until IS NULL OR lease_until < ?)
			ORDER BY next_action_at ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		UPDATE txs
		SET status = ?, lease_owner = ?, lease_until = ?, updated_at = NOW()
		WHERE id IN (SELECT id FROM due)
		RETURNING *
	`, chainID,
		string(model.StatusQueued), string(model.StatusRetryScheduled), string(model.StatusBroadcasting),
		now, now, limit,
		string(model.StatusBroadcasting), owner, leaseUntil,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return toRecords(rows), nil
}

func (s *GormStore) RescheduleIfLeased(ctx context.Context, id int64, owner string, status model.TxStatus, nextActionAt time.Time, attempts int, lastError *string) (bool, error) {
	result := s.db.WithContext(ctx).Exec(`
		UPDATE txs
		SET status = ?, next_action_at = ?, attempts = ?, last_error = ?,
		    last_broadcast_at = NOW(), lease_owner = NULL, lease_until = NULL, updated_at = NOW()
		WHERE id = ? AND status = ? AND lease_owner = ?
	`, string(status), nextActionAt, attempts, lastError, id, string(model.StatusBroadcasting), owner)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *GormStore) MarkTerminalIfLeased(ctx context.Context, id int64, owner string, status model.TxStatus, attempts int, lastError *string) (bool, error) {
	result := s.db.WithContext(ctx).Exec(`
		UPDATE txs
		SET status = ?, attempts = ?, last_error = ?, next_action_at = NULL, lease_owner = NULL, lease_until = NULL, updated_at = NOW()
		WHERE id = ? AND status = ? AND lease_owner = ?
	`, string(status), attempts, lastError, id, string(model.StatusBroadcasting), owner)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *GormStore) markTerminal(ctx context.Context, id int64, status model.TxStatus, lastError *string) error {
	return s.db.WithContext(ctx).Exec(`
		UPDATE txs
		SET status = ?, last_error = ?, next_action_at = NULL, lease_owner = NULL, lease_until = NULL, updated_at = NOW()
		WHERE id = ?
	`, string(status), lastError, id).Error
}

func (s *GormStore) MarkExecuted(ctx context.Context, id int64, receipt []byte) error {
	return s.db.WithContext(ctx).Exec(`
		UPDATE txs
		SET status = ?, receipt = ?, next_action_at = NULL, lease_owner = NULL, lease_until = NULL, updated_at = NOW()
		WHERE id = ?
	`, string(model.StatusExecuted), receipt, id).Error
}

func (s *GormStore) MarkStaleByNonce(ctx context.Context, id int64) error {
	return s.markTerminal(ctx, id, model.StatusStaleByNonce, nil)
}

func (s *GormStore) MarkExpired(ctx context.Context, id int64) error {
	return s.markTerminal(ctx, id, model.StatusExpired, nil)
}

func (s *GormStore) RecoverStuckBroadcasts(ctx context.Context, now time.Time) ([]*model.TxRecord, error) {
	var rows []dbRow
	err := s.db.WithContext(ctx).Raw(`
		UPDATE txs
		SET status = ?, next_action_at = ?, lease_owner = NULL, lease_until = NULL, updated_at = NOW()
		WHERE status = ? AND next_action_at IS NULL
		RETURNING *
	`, string(model.StatusRetryScheduled), now, string(model.StatusBroadcasting)).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return toRecords(rows), nil
}

func toRecords(rows []dbRow) []*model.TxRecord {
	out := make([]*model.TxRecord, len(rows))
	for i, r := range rows {
		out[i] = toRecord(r)
	}
	return out
}

var _ Store = (*GormStore)(nil)
