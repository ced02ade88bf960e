package audit_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rumi-labs/rumikernel/pkg/audit"
	"github.com/stretchr/testify/require"
)

func TestAppend_WritesToPerCategoryDateFile(t *testing.T) {
	dir := t.TempDir()
	log := audit.NewLog(dir)
	defer log.Close()

	ts := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	require.NoError(t, log.Append(audit.Entry{
		Timestamp: ts,
		Category:  audit.CategoryNetwork,
		Severity:  audit.SeverityInfo,
		Action:    "egress_attempt",
		Success:   true,
		PackID:    "demo",
	}))

	path := filepath.Join(dir, "network_2026-03-04.jsonl")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	require.True(t, scanner.Scan())

	var entry audit.Entry
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
	require.Equal(t, "egress_attempt", entry.Action)
	require.NotEmpty(t, entry.ID)
}

func TestAppend_InvalidTimestampFallsBackToWallTime(t *testing.T) {
	dir := t.TempDir()
	log := audit.NewLog(dir)
	defer log.Close()

	require.NoError(t, log.Append(audit.Entry{
		Category: audit.CategorySecurity,
		Action:   "integrity_mismatch",
		Success:  false,
	}))

	today := time.Now().UTC().Format("2006-01-02")
	_, err := os.Stat(filepath.Join(dir, "security_"+today+".jsonl"))
	require.NoError(t, err)
}

func TestAppend_SeparatesCategoriesAndDatesIntoDistinctFiles(t *testing.T) {
	dir := t.TempDir()
	log := audit.NewLog(dir)
	defer log.Close()

	day1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, log.Append(audit.Entry{Timestamp: day1, Category: audit.CategoryApproval, Action: "scan"}))
	require.NoError(t, log.Append(audit.Entry{Timestamp: day2, Category: audit.CategoryApproval, Action: "scan"}))
	require.NoError(t, log.Append(audit.Entry{Timestamp: day1, Category: audit.CategoryFlowExec, Action: "run"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}
