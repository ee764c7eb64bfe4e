package xueqiu

import (
	"encoding/json"

	"github.com/fairyhunter13/market-crawl-worker/internal/domain"
)

// FilterKline trims a kline payload to the bars whose timestamp (first
// element of each item row, epoch milliseconds) falls inside the half-open
// window [startMs, endMs). Rows without a numeric timestamp are dropped.
func FilterKline(data json.RawMessage, startMs, endMs int64) (json.RawMessage, int, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, 0, domain.NewCrawlError(domain.ErrKindProviderError, "malformed kline payload: %v", err)
	}

	var items []json.RawMessage
	if raw, ok := fields["item"]; ok {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, 0, domain.NewCrawlError(domain.ErrKindProviderError, "malformed kline items: %v", err)
		}
	}

	kept := make([]json.RawMessage, 0, len(items))
	for _, row := range items {
		ts, ok := rowTimestamp(row)
		if !ok {
			continue
		}
		if ts >= startMs && ts < endMs {
			kept = append(kept, row)
		}
	}

	encoded, err := json.Marshal(kept)
	if err != nil {
		return nil, 0, domain.WrapCrawlError(domain.ErrKindInternal, err)
	}
	fields["item"] = encoded

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, 0, domain.WrapCrawlError(domain.ErrKindInternal, err)
	}
	return out, len(kept), nil
}

// rowTimestamp reads the first column only; later columns may hold nulls.
func rowTimestamp(row json.RawMessage) (int64, bool) {
	var cols []json.RawMessage
	if err := json.Unmarshal(row, &cols); err != nil || len(cols) == 0 {
		return 0, false
	}
	var ts json.Number
	if err := json.Unmarshal(cols[0], &ts); err != nil {
		return 0, false
	}
	n, err := ts.Int64()
	if err != nil {
		return 0, false
	}
	return n, true
}
