package yahoo

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/market-crawl-worker/internal/domain"
)

func TestBuildRealtimeChartRequest(t *testing.T) {
	a := New()
	task := domain.Task{
		TaskID:   "t1",
		TaskType: domain.TaskTypeUS1mRealtime,
		Market:   domain.MarketUS,
		Symbol:   "AAPL",
	}
	req, _, endpoint, err := a.Build(task)
	require.NoError(t, err)

	assert.Equal(t, domain.EndpointKline, endpoint)
	assert.Equal(t, DefaultBaseURL+"/v8/finance/chart/AAPL", req.URL)
	assert.Equal(t, "1m", req.Query.Get("interval"))
	assert.Equal(t, "1d", req.Query.Get("range"))
	assert.Equal(t, "true", req.Query.Get("includePrePost"))
}

func TestBuildWithDateWindow(t *testing.T) {
	a := New()
	task := domain.Task{
		TaskType: domain.TaskTypeUS1mRealtime,
		Market:   domain.MarketUS,
		Symbol:   "MSFT",
		Payload: domain.TaskPayload{
			Period:    "15m",
			StartDate: "2024-01-10",
			EndDate:   "2024-01-12",
		},
	}
	req, _, _, err := a.Build(task)
	require.NoError(t, err)

	assert.Equal(t, "15m", req.Query.Get("interval"))
	assert.Empty(t, req.Query.Get("range"))
	wantStart := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC).Unix()
	wantEnd := time.Date(2024, 1, 13, 0, 0, 0, 0, time.UTC).Unix()
	assert.Equal(t, strconv.FormatInt(wantStart, 10), req.Query.Get("period1"))
	assert.Equal(t, strconv.FormatInt(wantEnd, 10), req.Query.Get("period2"))
}

func TestBuildRejectsBadDates(t *testing.T) {
	a := New()
	task := domain.Task{
		TaskType: domain.TaskTypeUS1mRealtime,
		Market:   domain.MarketUS,
		Symbol:   "MSFT",
		Payload:  domain.TaskPayload{StartDate: "01/10/2024", EndDate: "2024-01-12"},
	}
	_, _, _, err := a.Build(task)
	require.Error(t, err)
	assert.Equal(t, domain.ErrKindInvalidTask, domain.KindOf(err))
}

func TestValidateChartEnvelope(t *testing.T) {
	body := []byte(`{
		"chart": {
			"result": [{
				"meta": {"symbol": "AAPL"},
				"timestamp": [1704844800, 1704844860, 1704844920],
				"indicators": {"quote": [{"close": [185.1, 185.2, 185.3]}]}
			}],
			"error": null
		}
	}`)

	data, count, err := Validator{}.Validate(body)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Contains(t, string(data), `"AAPL"`)
}

func TestValidateChartError(t *testing.T) {
	body := []byte(`{
		"chart": {
			"result": null,
			"error": {"code": "Not Found", "description": "No data found, symbol may be delisted"}
		}
	}`)

	_, _, err := Validator{}.Validate(body)
	require.Error(t, err)
	assert.Equal(t, domain.ErrKindProviderError, domain.KindOf(err))
	assert.Contains(t, err.Error(), "delisted")
}

func TestValidateEmptyResult(t *testing.T) {
	_, _, err := Validator{}.Validate([]byte(`{"chart": {"result": []}}`))
	require.Error(t, err)
	assert.Equal(t, domain.ErrKindProviderError, domain.KindOf(err))
}
