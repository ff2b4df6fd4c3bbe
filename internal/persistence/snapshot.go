package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"synthledger/internal/ledger"
)

// SnapshotManager persists and restores ledger state images so the service
// can warm-restart without replaying the whole operation log.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialized ledger image. Quantities are decimal
// strings: JSON numbers cannot carry 256-bit values.
type SnapshotData struct {
	Sequence   int64                        `json:"sequence"`
	Collateral map[string]map[string]string `json:"collateral"` // account -> asset -> qty
	Debt       map[string]string            `json:"debt"`       // account -> amount
	CreatedAt  time.Time                    `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// EncodeSnapshot flattens a ledger snapshot into its serializable form.
func EncodeSnapshot(sequence int64, snap *ledger.Snapshot, at time.Time) *SnapshotData {
	data := &SnapshotData{
		Sequence:   sequence,
		Collateral: make(map[string]map[string]string, len(snap.Collateral)),
		Debt:       make(map[string]string, len(snap.Debt)),
		CreatedAt:  at,
	}
	for account, balances := range snap.Collateral {
		m := make(map[string]string, len(balances))
		for asset, qty := range balances {
			m[asset] = qty.String()
		}
		data.Collateral[account.String()] = m
	}
	for account, amount := range snap.Debt {
		data.Debt[account.String()] = amount.String()
	}
	return data
}

// DecodeSnapshot rebuilds a ledger snapshot from its stored form.
func (s *SnapshotData) DecodeSnapshot() (*ledger.Snapshot, error) {
	snap := &ledger.Snapshot{
		Collateral: make(map[uuid.UUID]map[string]*big.Int, len(s.Collateral)),
		Debt:       make(map[uuid.UUID]*big.Int, len(s.Debt)),
	}
	for account, balances := range s.Collateral {
		id, err := uuid.Parse(account)
		if err != nil {
			return nil, fmt.Errorf("snapshot account %q: %w", account, err)
		}
		m := make(map[string]*big.Int, len(balances))
		for asset, qty := range balances {
			v, ok := new(big.Int).SetString(qty, 10)
			if !ok {
				return nil, fmt.Errorf("snapshot quantity %q for %s/%s", qty, account, asset)
			}
			m[asset] = v
		}
		snap.Collateral[id] = m
	}
	for account, amount := range s.Debt {
		id, err := uuid.Parse(account)
		if err != nil {
			return nil, fmt.Errorf("snapshot account %q: %w", account, err)
		}
		v, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, fmt.Errorf("snapshot debt %q for %s", amount, account)
		}
		snap.Debt[id] = v
	}
	return snap, nil
}

// SaveSnapshot persists a snapshot to Postgres. Saving the same sequence
// twice overwrites the stored image.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO op_log.snapshots
			(snapshot_id, sequence, data, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, size_bytes = $4
	`, snapshotID, snap.Sequence, data, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent snapshot, nil on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM op_log.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}
