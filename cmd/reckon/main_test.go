package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
catalog:
  markets:
    us:
      tier1:
        monthly: price_us_t1_m
        annual: price_us_t1_y
  legacy:
    tier2:
      monthly: price_legacy_t2_m
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestPriceCommand(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reckon.yaml"), []byte(testCatalog), 0o600))
	t.Chdir(dir)

	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{"market price", []string{"price", "--market", "US", "--plan", "tier1", "--interval", "annual"}, "price_us_t1_y", false},
		{"legacy fallback", []string{"price", "--market", "eu", "--plan", "tier2", "--interval", "monthly"}, "price_legacy_t2_m", false},
		{"not configured", []string{"price", "--market", "us", "--plan", "tier3", "--interval", "monthly"}, "", true},
		{"free plan", []string{"price", "--market", "us", "--plan", "free"}, "", true},
		{"bad interval", []string{"price", "--market", "us", "--plan", "tier1", "--interval", "weekly"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestSweepCommand_MemoryStore(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE", "memory")

	out, err := execute(t, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, `"processed": 0`)
	assert.Contains(t, out, `"errors": []`)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "reckon dev")
}
