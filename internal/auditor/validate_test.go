package auditor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nimbus-io/anti-entropy/internal/repair"
	"github.com/nimbus-io/anti-entropy/internal/report"
	"github.com/nimbus-io/anti-entropy/internal/segment"
	"github.com/nimbus-io/anti-entropy/internal/storage"
)

func outputRun(t *testing.T, meta, data, rows int64) *Run {
	t.Helper()
	dir := t.TempDir()
	var files []storage.File
	for name, n := range map[string]int64{repair.MetaFile: meta, repair.DataFile: data, report.FileName: rows} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
			t.Fatal(err)
		}
		files = append(files, storage.File{Path: path, Records: n})
	}
	return &Run{
		Records: 10,
		Findings: map[segment.Finding]int64{
			segment.FindingMissingReplicas:   2,
			segment.FindingMissingTombstones: 1,
			segment.FindingDamagedRecords:    1,
		},
		Files: files,
	}
}

func TestValidateOutput_Valid(t *testing.T) {
	result := ValidateOutput(outputRun(t, 1, 3, 4))
	if !result.Passed {
		t.Errorf("valid output should pass. Errors: %v", result.Errors)
	}
	if result.ByteSize != 3*int64(len("payload")) {
		t.Errorf("ByteSize = %d", result.ByteSize)
	}
}

func TestValidateOutput_SinkMismatch(t *testing.T) {
	result := ValidateOutput(outputRun(t, 2, 2, 4))
	if result.Passed {
		t.Fatal("mismatched sink counts should fail validation")
	}
	joined := strings.Join(result.Errors, "; ")
	if !strings.Contains(joined, repair.MetaFile) || !strings.Contains(joined, repair.DataFile) {
		t.Errorf("errors = %v", result.Errors)
	}
}

func TestValidateOutput_ReportMismatch(t *testing.T) {
	result := ValidateOutput(outputRun(t, 1, 3, 3))
	if result.Passed {
		t.Fatal("short report should fail validation")
	}
}

func TestValidateOutput_MissingAndEmptyFiles(t *testing.T) {
	run := outputRun(t, 1, 3, 4)
	if err := os.Truncate(run.Files[0].Path, 0); err != nil {
		t.Fatal(err)
	}
	run.Files = run.Files[:2]

	result := ValidateOutput(run)
	if result.Passed {
		t.Fatal("missing and empty files should fail validation")
	}
	if len(result.Errors) < 2 {
		t.Errorf("expected an empty file error and a missing file error, got %v", result.Errors)
	}
}

func TestValidateOutput_TooManyFindings(t *testing.T) {
	run := outputRun(t, 1, 3, 4)
	run.Records = 3
	result := ValidateOutput(run)
	if result.Passed {
		t.Fatal("more findings than records should fail validation")
	}
}

func TestValidateOutput_NoRecordsWarns(t *testing.T) {
	run := outputRun(t, 0, 0, 0)
	run.Records = 0
	run.Findings = nil
	result := ValidateOutput(run)
	if !result.Passed {
		t.Errorf("empty run should pass. Errors: %v", result.Errors)
	}
	if len(result.Warnings) != 1 {
		t.Errorf("warnings = %v", result.Warnings)
	}
}
