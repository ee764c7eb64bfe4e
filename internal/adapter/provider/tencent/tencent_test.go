package tencent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/market-crawl-worker/internal/domain"
)

func TestBuildKlineRequest(t *testing.T) {
	a := New()
	task := domain.Task{
		TaskID:   "t1",
		TaskType: domain.TaskTypeHK1mRealtime,
		Market:   domain.MarketHK,
		Symbol:   "hk00700",
	}
	req, v, endpoint, err := a.Build(task)
	require.NoError(t, err)

	assert.Equal(t, domain.EndpointKline, endpoint)
	assert.Equal(t, DefaultBaseURL+"/appstock/app/hkfqkline/get", req.URL)
	assert.Equal(t, "hk00700,m1,,320", req.Query.Get("param"))

	val, ok := v.(Validator)
	require.True(t, ok)
	assert.Equal(t, "hk00700", val.Symbol)
	assert.Equal(t, "m1", val.PeriodKey)
}

func TestBuildPeriodAndCountHints(t *testing.T) {
	a := New()
	task := domain.Task{
		TaskType: domain.TaskTypeHK1mRealtime,
		Market:   domain.MarketHK,
		Symbol:   "hk00700",
		Payload:  domain.TaskPayload{Period: "5m", Count: 100},
	}
	req, _, _, err := a.Build(task)
	require.NoError(t, err)
	assert.Equal(t, "hk00700,m5,,100", req.Query.Get("param"))
}

func TestValidateCountsBars(t *testing.T) {
	body := []byte(`{
		"code": 0,
		"msg": "",
		"data": {
			"hk00700": {
				"m1": [["202401101000", 270.1], ["202401101001", 270.2]],
				"qt": {}
			}
		}
	}`)

	v := Validator{Symbol: "hk00700", PeriodKey: "m1"}
	data, count, err := v.Validate(body)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Contains(t, string(data), "hk00700")
}

func TestValidateAdjustedKlineKey(t *testing.T) {
	body := []byte(`{
		"code": 0,
		"data": {"hk00700": {"qfqm1": [["202401101000", 270.1]]}}
	}`)

	v := Validator{Symbol: "hk00700", PeriodKey: "m1"}
	_, count, err := v.Validate(body)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestValidateProviderError(t *testing.T) {
	body := []byte(`{"code": -1, "msg": "invalid param", "data": {}}`)

	_, _, err := Validator{Symbol: "hk00700", PeriodKey: "m1"}.Validate(body)
	require.Error(t, err)
	assert.Equal(t, domain.ErrKindProviderError, domain.KindOf(err))
	assert.Contains(t, err.Error(), "invalid param")
}

func TestValidateMalformedBody(t *testing.T) {
	_, _, err := Validator{Symbol: "hk00700", PeriodKey: "m1"}.Validate([]byte(`not json`))
	require.Error(t, err)
	assert.Equal(t, domain.ErrKindProviderError, domain.KindOf(err))
}
