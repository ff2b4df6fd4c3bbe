package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"synthledger/internal/engine"
)

// Service answers read-only queries. Live account state comes straight from
// the engine; operation history is read from the Postgres operation log.
type Service struct {
	eng *engine.Engine
	db  *sql.DB
}

func NewService(eng *engine.Engine, db *sql.DB) *Service {
	return &Service{eng: eng, db: db}
}

// ConstantsResponse exposes protocol parameters. Big values travel as
// decimal strings.
type ConstantsResponse struct {
	Precision               string `json:"precision"`
	AdditionalFeedPrecision string `json:"additional_feed_precision"`
	MinHealthFactor         string `json:"min_health_factor"`
	LiquidationThreshold    int64  `json:"liquidation_threshold"`
	LiquidationBonus        int64  `json:"liquidation_bonus"`
	StaleTimeoutSeconds     int64  `json:"stale_timeout_seconds"`
}

func (s *Service) Constants() ConstantsResponse {
	return ConstantsResponse{
		Precision:               s.eng.Precision().String(),
		AdditionalFeedPrecision: s.eng.AdditionalFeedPrecision().String(),
		MinHealthFactor:         s.eng.MinHealthFactor().String(),
		LiquidationThreshold:    s.eng.LiquidationThreshold(),
		LiquidationBonus:        s.eng.LiquidationBonus(),
		StaleTimeoutSeconds:     int64(s.eng.StaleTimeout().Seconds()),
	}
}

// CollateralAsset describes one configured collateral asset.
type CollateralAsset struct {
	Asset  string `json:"asset"`
	FeedID string `json:"feed_id"`
}

func (s *Service) Collateral() []CollateralAsset {
	assets := s.eng.CollateralAssets()
	out := make([]CollateralAsset, 0, len(assets))
	for _, asset := range assets {
		feedID, _ := s.eng.FeedID(asset)
		out = append(out, CollateralAsset{Asset: asset, FeedID: feedID})
	}
	return out
}

// AccountsResponse lists every account known to the ledger.
type AccountsResponse struct {
	Accounts     []string `json:"accounts"`
	AsOfSequence int64    `json:"as_of_sequence"`
}

func (s *Service) Accounts() AccountsResponse {
	ids := s.eng.Accounts()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return AccountsResponse{
		Accounts:     out,
		AsOfSequence: s.eng.Sequence(),
	}
}

// AccountResponse is an account's live ledger state. CollateralValue uses
// last-known prices so the response never fails.
type AccountResponse struct {
	Account         string            `json:"account"`
	Debt            string            `json:"debt"`
	CollateralValue string            `json:"collateral_value"`
	Balances        map[string]string `json:"balances"`
	AsOfSequence    int64             `json:"as_of_sequence"`
}

func (s *Service) Account(account uuid.UUID) AccountResponse {
	debt, value := s.eng.AccountInformation(account)
	balances := make(map[string]string)
	for _, asset := range s.eng.CollateralAssets() {
		balances[asset] = s.eng.CollateralBalance(account, asset).String()
	}
	return AccountResponse{
		Account:         account.String(),
		Debt:            debt.String(),
		CollateralValue: value.String(),
		Balances:        balances,
		AsOfSequence:    s.eng.Sequence(),
	}
}

// HealthResponse reports an account's solvency through the staleness gate.
type HealthResponse struct {
	Account      string `json:"account"`
	Status       string `json:"status"`
	HealthFactor string `json:"health_factor"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

func (s *Service) Health(account uuid.UUID) (HealthResponse, error) {
	status, factor, err := s.eng.Evaluate(account)
	if err != nil {
		return HealthResponse{}, err
	}
	return HealthResponse{
		Account:      account.String(),
		Status:       status.String(),
		HealthFactor: factor.String(),
		AsOfSequence: s.eng.Sequence(),
	}, nil
}

// OperationEntry is one row of the persisted operation history.
type OperationEntry struct {
	Sequence          int64     `json:"sequence"`
	OpID              string    `json:"op_id"`
	OpType            string    `json:"op_type"`
	Account           string    `json:"account"`
	Counterparty      *string   `json:"counterparty,omitempty"`
	Asset             *string   `json:"asset,omitempty"`
	Quantity          *string   `json:"quantity,omitempty"`
	DebtDelta         string    `json:"debt_delta"`
	HealthFactorAfter *string   `json:"health_factor_after,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// ErrHistoryUnavailable is returned when the service runs without a
// database connection.
var ErrHistoryUnavailable = errors.New("operation history unavailable")

// Operations returns persisted operations, newest first, with cursor-based
// pagination on sequence.
func (s *Service) Operations(
	ctx context.Context,
	account *uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]OperationEntry, error) {
	if s.db == nil {
		return nil, ErrHistoryUnavailable
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT sequence, op_id, op_type, account, counterparty,
		       asset, quantity, debt_delta, health_factor_after, timestamp
		FROM op_log.operations
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if account != nil {
		query += fmt.Sprintf(" AND (account = $%d OR counterparty = $%d)", argIdx, argIdx)
		args = append(args, *account)
		argIdx++
	}
	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []OperationEntry
	for rows.Next() {
		var e OperationEntry
		var quantity, healthFactor, counterparty, asset sql.NullString
		if err := rows.Scan(
			&e.Sequence, &e.OpID, &e.OpType, &e.Account, &counterparty,
			&asset, &quantity, &e.DebtDelta, &healthFactor, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if counterparty.Valid {
			e.Counterparty = &counterparty.String
		}
		if asset.Valid {
			e.Asset = &asset.String
		}
		if quantity.Valid {
			e.Quantity = &quantity.String
		}
		if healthFactor.Valid {
			e.HealthFactorAfter = &healthFactor.String
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
