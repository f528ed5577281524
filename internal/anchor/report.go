package anchor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Finding codes attached to a Result.
const (
	FindingSignatureInvalid = "signature_invalid"
	FindingChainMismatch    = "chain_mismatch"
	FindingStateMismatch    = "state_mismatch"
	FindingPayloadMismatch  = "payload_mismatch"
	FindingRecordsInvalid   = "records_invalid"
	FindingWitnessMissing   = "witness_missing"
	FindingWitnessMismatch  = "witness_mismatch"
)

// DefaultReportPath is where the verifier writes its report.
const DefaultReportPath = "reports/merkle_integrity_report.json"

// Result is the verification outcome for one anchor.
type Result struct {
	Seq            int64     `json:"seq"`
	SnapshotAt     time.Time `json:"snapshot_at"`
	KeyID          string    `json:"kid,omitempty"`
	SignatureOK    bool      `json:"signature_ok"`
	ChainOK        bool      `json:"chain_ok"`
	StateOK        bool      `json:"state_ok"`
	WitnessOK      *bool     `json:"witness_ok,omitempty"`
	RootFromAnchor string    `json:"root_from_anchor"`
	RootRecomputed string    `json:"root_recomputed"`
	NodeCount      int       `json:"node_count"`
	PrevInPayload  *string   `json:"prev_in_payload"`
	PrevExpected   *string   `json:"prev_expected"`
	Findings       []string  `json:"findings,omitempty"`
}

// OK reports whether every check on the anchor passed.
func (r *Result) OK() bool {
	return r.ChainOK && r.StateOK && (r.WitnessOK == nil || *r.WitnessOK)
}

func (r *Result) addFinding(code string) {
	r.Findings = append(r.Findings, code)
}

// Report aggregates the results of one verifier run.
type Report struct {
	RunID       string    `json:"run_id"`
	TreeVersion string    `json:"tree_version"`
	Since       time.Time `json:"since"`
	GeneratedAt time.Time `json:"generated_at"`
	Passed      bool      `json:"passed"`
	Checked     int       `json:"checked"`
	Results     []Result  `json:"results"`
}

// Failed returns the results that did not pass.
func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.OK() {
			out = append(out, res)
		}
	}
	return out
}

// WriteFile writes the report as indented JSON, replacing path atomically.
func (r *Report) WriteFile(path string) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	f, err := os.CreateTemp(dir, ".report-*.json")
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(append(b, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("write report: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync report: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		return fmt.Errorf("chmod report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename report: %w", err)
	}
	return nil
}

// ReadReport loads a report written by WriteFile.
func ReadReport(path string) (*Report, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}
