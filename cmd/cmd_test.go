package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile, debug = "", false
	simDryRun, simJournal, simAction, simLoans = false, "", "", 1
	receiptsJournal, receiptsLimit = "", 0

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func testConfig(t *testing.T) string {
	t.Helper()
	for _, k := range []string{"FLASHLENDER_CONFIG", "FLASHLENDER_DEBUG", "FLASHLENDER_API_LISTEN", "FLASHLENDER_JOURNAL"} {
		t.Setenv(k, "")
	}
	path := filepath.Join(t.TempDir(), "flashlender.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  file: \"\"\n  error_file: \"\"\nmetrics:\n  enabled: false\n"), 0o600))
	return path
}

func TestQuoteCommand(t *testing.T) {
	cfg := testConfig(t)

	out, err := run(t, "--config", cfg, "quote", "1tokens")
	require.NoError(t, err)
	assert.Contains(t, out, "amount:         1 (1000000000000000000)")
	assert.Contains(t, out, "flash fee:      0.00")

	_, err = run(t, "--config", cfg, "quote", "lots")
	require.ErrorContains(t, err, "invalid amount")
}

func TestSimulateCommand(t *testing.T) {
	cfg := testConfig(t)
	journal := filepath.Join(t.TempDir(), "receipts.db")

	out, err := run(t, "--config", cfg, "simulate", "--dry-run", "--journal", journal, "--loans", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "loan 2: amount 1 fee")
	assert.Contains(t, out, "(dry run)")
	assert.Contains(t, out, "journal: 0 receipts")

	out, err = run(t, "--config", cfg, "simulate", "--journal", journal)
	require.NoError(t, err)
	assert.Contains(t, out, "journal: 1 receipts")

	out, err = run(t, "--config", cfg, "receipts", "--journal", journal)
	require.NoError(t, err)
	assert.Contains(t, out, "dai-lender")

	out, err = run(t, "--config", cfg, "simulate", "--action", "repay-short")
	require.Error(t, err)
	assert.Contains(t, out, "rejected (repayment_shortfall)")

	_, err = run(t, "--config", cfg, "simulate", "--action", "steal")
	require.ErrorContains(t, err, "unknown borrower action")
}
