package journal

import (
	"encoding/csv"
	"os"
	"sync"
	"time"

	"github.com/rustyeddy/vledger/broker"
)

var (
	historyHeader = []string{"id", "account_id", "position_id", "type", "symbol", "order_type", "volume", "price", "realized_pnl", "reason", "time"}
	equityHeader  = []string{"account_id", "time", "balance", "equity", "margin", "free_margin", "margin_level"}
)

// CSV appends history and equity rows to two files. Every row is flushed
// before the Record call returns.
type CSV struct {
	mu      sync.Mutex
	history *csv.Writer
	equity  *csv.Writer
	hf, ef  *os.File
}

func NewCSV(historyPath, equityPath string) (*CSV, error) {
	hf, err := os.Create(historyPath)
	if err != nil {
		return nil, err
	}
	ef, err := os.Create(equityPath)
	if err != nil {
		_ = hf.Close()
		return nil, err
	}

	j := &CSV{history: csv.NewWriter(hf), equity: csv.NewWriter(ef), hf: hf, ef: ef}
	if err := writeRow(j.history, historyHeader); err != nil {
		_ = j.Close()
		return nil, err
	}
	if err := writeRow(j.equity, equityHeader); err != nil {
		_ = j.Close()
		return nil, err
	}
	return j, nil
}

func writeRow(w *csv.Writer, row []string) error {
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func (j *CSV) RecordHistory(e broker.HistoryEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return writeRow(j.history, []string{
		e.ID,
		e.AccountID,
		e.PositionID,
		string(e.Type),
		e.Symbol,
		string(e.OrderType),
		e.Volume.String(),
		e.Price.String(),
		e.RealizedPnL.String(),
		e.Reason,
		e.Time.UTC().Format(time.RFC3339Nano),
	})
}

func (j *CSV) RecordEquity(e EquitySnapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return writeRow(j.equity, []string{
		e.AccountID,
		e.Time.UTC().Format(time.RFC3339Nano),
		e.Balance.String(),
		e.Equity.String(),
		e.Margin.String(),
		e.FreeMargin.String(),
		e.MarginLevel.String(),
	})
}

func (j *CSV) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.history.Flush()
	j.equity.Flush()
	if err := j.history.Error(); err != nil {
		return err
	}
	if err := j.equity.Error(); err != nil {
		return err
	}
	if err := j.hf.Close(); err != nil {
		return err
	}
	return j.ef.Close()
}
