package mpesa

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeUnmarshal(t *testing.T) {
	tests := []struct {
		raw  string
		want Code
	}{
		{`{"ResultCode":"0"}`, "0"},
		{`{"ResultCode":1032}`, "1032"},
		{`{"ResultCode":null}`, ""},
		{`{}`, ""},
	}
	for _, tt := range tests {
		var out struct {
			ResultCode Code `json:"ResultCode"`
		}
		require.NoError(t, json.Unmarshal([]byte(tt.raw), &out), tt.raw)
		assert.Equal(t, tt.want, out.ResultCode, tt.raw)
	}

	var bad struct {
		ResultCode Code `json:"ResultCode"`
	}
	assert.Error(t, json.Unmarshal([]byte(`{"ResultCode":true}`), &bad))
}
