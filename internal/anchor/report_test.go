package anchor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportWriteFile(t *testing.T) {
	prev := "ab"
	okWitness := false
	r := &Report{
		RunID:       "run-1",
		TreeVersion: "v1",
		Since:       t0,
		GeneratedAt: t0,
		Passed:      false,
		Checked:     2,
		Results: []Result{
			{Seq: 1, SnapshotAt: t0, SignatureOK: true, ChainOK: true, StateOK: true, RootFromAnchor: "ab", RootRecomputed: "ab"},
			{Seq: 2, SnapshotAt: t0, SignatureOK: true, ChainOK: true, StateOK: true, WitnessOK: &okWitness,
				PrevInPayload: &prev, PrevExpected: &prev, Findings: []string{FindingWitnessMissing}},
		},
	}
	path := filepath.Join(t.TempDir(), "reports", "merkle_integrity_report.json")
	require.NoError(t, r.WriteFile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Equal(t, false, raw["passed"])
	assert.Equal(t, float64(2), raw["checked"])
	results := raw["results"].([]interface{})
	first := results[0].(map[string]interface{})
	assert.Nil(t, first["prev_expected"])
	assert.Contains(t, first, "prev_in_payload")
	assert.NotContains(t, first, "witness_ok")

	back, err := ReadReport(path)
	require.NoError(t, err)
	assert.Equal(t, r.RunID, back.RunID)
	require.Len(t, back.Failed(), 1)
	assert.Equal(t, int64(2), back.Failed()[0].Seq)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")
}
