package feed

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rustyeddy/vledger/market"
	"github.com/shopspring/decimal"
)

// CSVTicks reads tick rows:
//
//	time,symbol,bid,ask
//
// where time is RFC3339 or RFC3339Nano. A single header row is allowed,
// short rows are skipped and rows outside [from, to) are filtered out when
// the bounds are set.
type CSVTicks struct {
	c    io.Closer
	r    *csv.Reader
	from time.Time
	to   time.Time

	sawFirst bool
}

func OpenCSVTicks(path string, from, to time.Time) (*CSVTicks, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	t := NewCSVTicks(f, from, to)
	t.c = f
	return t, nil
}

func NewCSVTicks(r io.Reader, from, to time.Time) *CSVTicks {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	return &CSVTicks{r: cr, from: from, to: to}
}

func (f *CSVTicks) Close() error {
	if f.c != nil {
		return f.c.Close()
	}
	return nil
}

func (f *CSVTicks) Next() (market.Tick, bool, error) {
	for {
		row, err := f.r.Read()
		if err == io.EOF {
			return market.Tick{}, false, nil
		}
		if err != nil {
			return market.Tick{}, false, err
		}
		if len(row) == 0 {
			continue
		}

		if !f.sawFirst {
			f.sawFirst = true
			if strings.EqualFold(strings.TrimSpace(row[0]), "time") {
				continue
			}
		}

		t, ok, err := parseTickRow(row)
		if err != nil {
			return market.Tick{}, false, err
		}
		if !ok || !inRange(t.Time, f.from, f.to) {
			continue
		}
		return t, true, nil
	}
}

func parseTickRow(row []string) (market.Tick, bool, error) {
	if len(row) < 4 {
		return market.Tick{}, false, nil
	}

	ts := strings.TrimSpace(row[0])
	if ts == "" {
		return market.Tick{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return market.Tick{}, false, fmt.Errorf("bad time %q: %w", ts, err)
	}

	symbol := market.Normalize(row[1])
	if symbol == "" {
		return market.Tick{}, false, nil
	}

	bid, err := decimal.NewFromString(strings.TrimSpace(row[2]))
	if err != nil {
		return market.Tick{}, false, fmt.Errorf("bad bid %q: %w", row[2], err)
	}
	ask, err := decimal.NewFromString(strings.TrimSpace(row[3]))
	if err != nil {
		return market.Tick{}, false, fmt.Errorf("bad ask %q: %w", row[3], err)
	}

	return market.Tick{Symbol: symbol, Time: t, BA: market.BA{Bid: bid, Ask: ask}}, true, nil
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

// Pump publishes every tick from src into m, in file order, and returns how
// many were accepted.
func Pump(ctx context.Context, src *CSVTicks, m *Memory) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		t, ok, err := src.Next()
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		if _, accepted := m.Publish(t); accepted {
			n++
		}
	}
}
