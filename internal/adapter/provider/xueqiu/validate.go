package xueqiu

import (
	"encoding/json"
	"strconv"

	"github.com/fairyhunter13/market-crawl-worker/internal/domain"
)

// envelope is the provider's standard response wrapper.
type envelope struct {
	ErrorCode        *int            `json:"error_code"`
	ErrorDescription string          `json:"error_description"`
	Data             json.RawMessage `json:"data"`
}

// Validator interprets the Xueqiu envelope. A non-zero error_code inside a
// 2xx response is a terminal provider failure.
type Validator struct{}

func (Validator) Validate(body []byte) (json.RawMessage, int, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, 0, domain.NewCrawlError(domain.ErrKindProviderError, "malformed envelope: %v", err)
	}
	if env.ErrorCode != nil && *env.ErrorCode != 0 {
		detail := env.ErrorDescription
		if detail == "" {
			detail = "error_code " + strconv.Itoa(*env.ErrorCode)
		}
		return nil, 0, domain.NewCrawlError(domain.ErrKindProviderError, "%s", detail)
	}
	if len(env.Data) == 0 {
		return nil, 0, domain.NewCrawlError(domain.ErrKindProviderError, "empty data")
	}
	return env.Data, countRecords(env.Data), nil
}

// countRecords counts the payload rows. Kline bodies carry item, quote
// bodies list, minute bodies items; a plain non-empty object counts as one
// record.
func countRecords(data json.RawMessage) int {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return 0
	}
	for _, key := range []string{"item", "list", "items"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil {
			continue
		}
		return len(arr)
	}
	if len(fields) > 0 {
		return 1
	}
	return 0
}
