package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/vledger/broker"
	"github.com/rustyeddy/vledger/market"
)

const historyColumns = `id, account_id, position_id, type, symbol, order_type, volume, price, realized_pnl, reason, time`

type scanner interface {
	Scan(dest ...any) error
}

func scanHistory(s scanner) (broker.HistoryEntry, error) {
	var (
		e         broker.HistoryEntry
		typ, side string
	)
	err := s.Scan(
		&e.ID,
		&e.AccountID,
		&e.PositionID,
		&typ,
		&e.Symbol,
		&side,
		&e.Volume,
		&e.Price,
		&e.RealizedPnL,
		&e.Reason,
		&e.Time,
	)
	e.Type = broker.EntryType(typ)
	e.OrderType = market.Side(side)
	return e, err
}

func collectHistory(rows *sql.Rows) ([]broker.HistoryEntry, error) {
	defer rows.Close()

	var out []broker.HistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Entry returns a single history entry by id.
func (j *SQLite) Entry(id string) (broker.HistoryEntry, error) {
	row := j.db.QueryRow(`SELECT `+historyColumns+` FROM history WHERE id = ?`, id)
	e, err := scanHistory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return broker.HistoryEntry{}, fmt.Errorf("history entry %q not found", id)
		}
		return broker.HistoryEntry{}, err
	}
	return e, nil
}

// ListHistory returns an account's entries in the order they were written.
func (j *SQLite) ListHistory(accountID string) ([]broker.HistoryEntry, error) {
	rows, err := j.db.Query(`
		SELECT `+historyColumns+`
		FROM history
		WHERE account_id = ?
		ORDER BY seq ASC`, accountID)
	if err != nil {
		return nil, err
	}
	return collectHistory(rows)
}

// ListClosedBetween returns CLOSE entries whose time is within [start, end).
func (j *SQLite) ListClosedBetween(start, end time.Time) ([]broker.HistoryEntry, error) {
	rows, err := j.db.Query(`
		SELECT `+historyColumns+`
		FROM history
		WHERE type = ? AND time >= ? AND time < ?
		ORDER BY time ASC, seq ASC`, string(broker.EntryClose), start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	return collectHistory(rows)
}

func (j *SQLite) ListEquity(accountID string) ([]EquitySnapshot, error) {
	rows, err := j.db.Query(`
		SELECT account_id, time, balance, equity, margin, free_margin, margin_level
		FROM equity
		WHERE account_id = ?
		ORDER BY time ASC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EquitySnapshot
	for rows.Next() {
		var e EquitySnapshot
		if err := rows.Scan(
			&e.AccountID,
			&e.Time,
			&e.Balance,
			&e.Equity,
			&e.Margin,
			&e.FreeMargin,
			&e.MarginLevel,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
