package feed

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const ticksCSV = `time,symbol,bid,ask
2025-01-06T09:00:00Z,EUR_USD,1.10000,1.10020
2025-01-06T09:00:01.5Z,EUR_USD,1.10010,1.10030

2025-01-06T09:00:02Z,USDJPY
2025-01-06T09:00:03Z,usd/jpy,150.010,150.030
`

func TestCSVTicksNext(t *testing.T) {
	t.Parallel()

	src := NewCSVTicks(strings.NewReader(ticksCSV), time.Time{}, time.Time{})

	var got []string
	for {
		tk, ok, err := src.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, tk.Symbol+"@"+tk.Ask.String())
	}
	assert.Equal(t, []string{"EURUSD@1.1002", "EURUSD@1.1003", "USDJPY@150.03"}, got)
}

func TestCSVTicksRange(t *testing.T) {
	t.Parallel()

	from := time.Date(2025, 1, 6, 9, 0, 1, 0, time.UTC)
	to := time.Date(2025, 1, 6, 9, 0, 3, 0, time.UTC)
	src := NewCSVTicks(strings.NewReader(ticksCSV), from, to)

	tk, ok, err := src.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, d("1.10010").Equal(tk.Bid))

	_, ok, err = src.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCSVTicksBadRow(t *testing.T) {
	t.Parallel()

	src := NewCSVTicks(strings.NewReader("yesterday,EURUSD,1,2\n"), time.Time{}, time.Time{})
	_, _, err := src.Next()
	assert.ErrorContains(t, err, "bad time")

	src = NewCSVTicks(strings.NewReader("2025-01-06T09:00:00Z,EURUSD,abc,2\n"), time.Time{}, time.Time{})
	_, _, err = src.Next()
	assert.ErrorContains(t, err, "bad bid")
}

func TestPump(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ticks.csv")
	require.NoError(t, os.WriteFile(path, []byte(ticksCSV), 0o644))

	src, err := OpenCSVTicks(path, time.Time{}, time.Time{})
	require.NoError(t, err)
	defer src.Close()

	m := NewMemory(nil)
	rec := &recorder{}
	m.OnPrice(rec.handle)
	require.NoError(t, m.Subscribe(context.Background(), "EURUSD"))

	n, err := Pump(context.Background(), src, m)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, rec.all(), 2)

	latest, ok := m.Latest("USDJPY")
	require.True(t, ok)
	assert.True(t, d("150.010").Equal(latest.Bid))
}
