package journal

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rustyeddy/vledger/broker"
)

type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteDB(db)
}

// NewSQLiteDB applies the schema to an open database and takes ownership of
// it. db is closed if the schema cannot be applied.
func NewSQLiteDB(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (j *SQLite) RecordHistory(e broker.HistoryEntry) error {
	_, err := j.db.Exec(`
		INSERT INTO history
		(id, account_id, position_id, type, symbol, order_type, volume, price, realized_pnl, reason, time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.PositionID, string(e.Type), e.Symbol, string(e.OrderType),
		e.Volume.String(), e.Price.String(), e.RealizedPnL.String(), e.Reason, e.Time.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record history %s: %w", e.ID, err)
	}
	return nil
}

func (j *SQLite) RecordEquity(e EquitySnapshot) error {
	_, err := j.db.Exec(`
		INSERT INTO equity
		(account_id, time, balance, equity, margin, free_margin, margin_level)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.AccountID, e.Time.UTC(), e.Balance.String(), e.Equity.String(),
		e.Margin.String(), e.FreeMargin.String(), e.MarginLevel.String(),
	)
	if err != nil {
		return fmt.Errorf("record equity %s: %w", e.AccountID, err)
	}
	return nil
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
