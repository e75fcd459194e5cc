package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFilePath(t *testing.T) {
	sessionStart := time.Date(2026, 2, 12, 21, 38, 36, 0, time.UTC)

	tests := []struct {
		name    string
		logsDir string
		want    string
	}{
		{"relative", "ledgerlogs", filepath.Join("ledgerlogs", "mileage_ledger.20260212_213836.log")},
		{"dot prefix", "./ledgerlogs", filepath.Join(".", "ledgerlogs", "mileage_ledger.20260212_213836.log")},
		{"absolute", filepath.Join("/var", "log", "mileage"), filepath.Join("/var", "log", "mileage", "mileage_ledger.20260212_213836.log")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LogFilePath(tt.logsDir, "mileage_ledger", sessionStart))
		})
	}
}

func TestOpenLogFile_CreatesDirAndRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.log")

	f, err := OpenLogFile(path)
	require.NoError(t, err)
	_, err = f.WriteString("first session\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = OpenLogFile(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	old, err := os.ReadFile(path + ".old")
	require.NoError(t, err)
	assert.Equal(t, "first session\n", string(old))

	cur, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, cur)
}
