package decoder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStripsFenceAndPreamble(t *testing.T) {
	raw := "Here is your JSON:\n```json\n{\"title\": \"Museum Visit\", \"durationMin\": \"45\"}\n```\nLet me know if you need changes."
	res, err := Decode(context.Background(), raw, Schema{Required: []string{"title"}}, "2026-07-31", nil)
	require.NoError(t, err)
	require.True(t, res.OK, res.Errors)
	assert.Equal(t, "Museum Visit", res.Data["title"])
	assert.Equal(t, 45, res.Data["durationMin"])
}

func TestDecodeCoercesHHMMToEpochMs(t *testing.T) {
	raw := `{"startTime": "09:30"}`
	res, err := Decode(context.Background(), raw, Schema{}, "2026-07-31", nil)
	require.NoError(t, err)
	require.True(t, res.OK)
	ms, ok := res.Data["startTime"].(int64)
	require.True(t, ok)
	assert.Greater(t, ms, int64(0))
}

func TestDecodeMissingRequiredFieldFails(t *testing.T) {
	raw := `{"title": "X"}`
	res, err := Decode(context.Background(), raw, Schema{Required: []string{"title", "nodeId"}}, "", nil)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Errors[0], "nodeId")
}

func TestDecodeRequestsContinuationOnUnparseable(t *testing.T) {
	raw := "not json at all"
	calls := 0
	continuer := func(ctx context.Context) (string, error) {
		calls++
		return `{"title": "Recovered"}`, nil
	}
	res, err := Decode(context.Background(), raw, Schema{}, "", continuer)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "Recovered", res.Data["title"])
}

func TestDecodeStripsNonASCIIIntrusion(t *testing.T) {
	raw := "{\"title\": ​\"Clean\"}"
	res, err := Decode(context.Background(), raw, Schema{}, "", nil)
	require.NoError(t, err)
	require.True(t, res.OK, res.Errors)
	assert.Equal(t, "Clean", res.Data["title"])
}
