package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"synthledger/internal/event"
)

// OpLogWriter writes applied operations to Postgres using multi-row INSERT.
// Writes are idempotent on sequence, so replaying a batch after a retry is
// safe.
type OpLogWriter struct {
	db *sql.DB
}

// OperationRow represents a row in op_log.operations. Numeric amounts travel
// as decimal strings into NUMERIC(78,0) columns, wide enough for any
// 256-bit value.
type OperationRow struct {
	Sequence          int64
	OpID              string
	OpType            string
	Account           string
	Counterparty      *string
	Asset             *string
	Quantity          *string
	DebtDelta         string
	HealthFactorAfter *string
	Timestamp         time.Time
}

func NewOpLogWriter(db *sql.DB) *OpLogWriter {
	return &OpLogWriter{db: db}
}

// RowFromEnvelope flattens an engine output envelope into its stored form.
func RowFromEnvelope(env *event.Envelope) OperationRow {
	op := env.Op
	row := OperationRow{
		Sequence:  env.Sequence,
		OpID:      op.OpID.String(),
		OpType:    op.Type.String(),
		Account:   op.Account.String(),
		DebtDelta: "0",
		Timestamp: op.Timestamp,
	}
	if op.Counterparty != nil {
		s := op.Counterparty.String()
		row.Counterparty = &s
	}
	if op.Asset != "" {
		a := op.Asset
		row.Asset = &a
	}
	if op.Quantity != nil {
		q := op.Quantity.String()
		row.Quantity = &q
	}
	if op.DebtDelta != nil {
		row.DebtDelta = op.DebtDelta.String()
	}
	if op.HealthFactorAfter != nil {
		h := op.HealthFactorAfter.String()
		row.HealthFactorAfter = &h
	}
	return row
}

// WriteBatch writes a batch of operations to op_log.operations.
func (w *OpLogWriter) WriteBatch(ctx context.Context, rows []OperationRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO op_log.operations
		(sequence, op_id, op_type, account, counterparty, asset, quantity, debt_delta, health_factor_after, timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*10)

	for i, r := range rows {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			r.Sequence, r.OpID, r.OpType, r.Account, r.Counterparty,
			r.Asset, r.Quantity, r.DebtDelta, r.HealthFactorAfter, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}

// LastSequence returns the highest persisted sequence, 0 for an empty log.
func (w *OpLogWriter) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := w.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM op_log.operations`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
