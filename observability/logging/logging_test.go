package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupEmitsStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(&buf, "provmarketd", "testnet")
	logger.Info("server started", "addr", ":8645")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "server started", record["message"])
	require.Equal(t, "INFO", record["severity"])
	require.Equal(t, "provmarketd", record["service"])
	require.Equal(t, "testnet", record["network"])
	require.Equal(t, ":8645", record["addr"])
	require.Contains(t, record, "timestamp")
}

func TestSetupOmitsEmptyNetwork(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(&buf, "provmarketd", "  ")
	logger.Warn("no network")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "WARN", record["severity"])
	require.NotContains(t, record, "network")
}
