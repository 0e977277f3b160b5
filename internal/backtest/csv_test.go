package backtest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCSV(t *testing.T) {
	input := `timestamp,close,high,rsi
2024-03-01T00:00:00Z,100.5,101,55.2
1709251260,100.1,100.9,50
1709251320000,99.8,100.2,47.5
`
	got, err := LoadCSV(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, t0, got[0].Time)
	assert.Equal(t, t0.Add(time.Minute), got[1].Time, "unix seconds")
	assert.Equal(t, t0.Add(2*time.Minute), got[2].Time, "unix milliseconds")
	assert.True(t, got[0].Close.Equal(d("100.5")))
	assert.True(t, got[0].High.Equal(d("101")))
	assert.True(t, got[2].Indicators["rsi"].Equal(d("47.5")))
}

func TestLoadCSV_Errors(t *testing.T) {
	testCases := []struct {
		name  string
		input string
	}{
		{"missing close column", "timestamp,high\n1709251200,1\n"},
		{"bad timestamp", "time,close\nyesterday,1\n"},
		{"bad number", "time,close\n1709251200,abc\n"},
		{"zero close", "time,close\n1709251200,0\n"},
		{"out of order", "time,close\n1709251260,1\n1709251200,1\n"},
		{"short row", "time,close\n1709251200\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadCSV(strings.NewReader(tc.input))
			assert.Error(t, err)
		})
	}
}

func TestLoadCSVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.csv")
	require.NoError(t, os.WriteFile(path, []byte("time,close\n1709251200,42\n"), 0o600))

	got, err := LoadCSVFile(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Close.Equal(d("42")))

	_, err = LoadCSVFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
