package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"binance-position-engine/internal/signal"

	"github.com/shopspring/decimal"
)

// LoadCSVFile reads a price series from a CSV file. See LoadCSV.
func LoadCSVFile(path string) ([]signal.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open price series: %w", err)
	}
	defer f.Close()
	return LoadCSV(f)
}

// LoadCSV reads a price series with a header row. "timestamp" (RFC 3339 or
// unix seconds/milliseconds) and "close" are required, "high" is optional and
// every other column is kept as an indicator. Rows must be in time order.
func LoadCSV(r io.Reader) ([]signal.Snapshot, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	timeCol, closeCol, highCol := -1, -1, -1
	for i, name := range header {
		header[i] = strings.ToLower(strings.TrimSpace(name))
		switch header[i] {
		case "timestamp", "time":
			timeCol = i
		case "close":
			closeCol = i
		case "high":
			highCol = i
		}
	}
	if timeCol < 0 || closeCol < 0 {
		return nil, errors.New("header needs timestamp and close columns")
	}

	var series []signal.Snapshot
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		snap := signal.Snapshot{}
		if snap.Time, err = parseTime(row[timeCol]); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if n := len(series); n > 0 && !snap.Time.After(series[n-1].Time) {
			return nil, fmt.Errorf("line %d: timestamp %s is not after the previous row", line, snap.Time.Format(time.RFC3339))
		}
		for i, raw := range row {
			if i == timeCol {
				continue
			}
			value, err := decimal.NewFromString(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("line %d, column %s: %w", line, header[i], err)
			}
			switch i {
			case closeCol:
				snap.Close = value
			case highCol:
				snap.High = value
			default:
				if snap.Indicators == nil {
					snap.Indicators = make(map[string]decimal.Decimal)
				}
				snap.Indicators[header[i]] = value
			}
		}
		if !snap.Close.IsPositive() {
			return nil, fmt.Errorf("line %d: close must be positive, got %s", line, snap.Close)
		}
		series = append(series, snap)
	}
	return series, nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
	}
	return t.UTC(), nil
}
