package auditor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nimbus-io/anti-entropy/internal/classify"
	"github.com/nimbus-io/anti-entropy/internal/repair"
	"github.com/nimbus-io/anti-entropy/internal/report"
)

// ErrInvalidOutput is returned when the run output fails validation.
var ErrInvalidOutput = errors.New("run output failed validation")

// ValidationResult contains the outcome of output validation.
type ValidationResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
	ByteSize int64
}

// ValidateOutput checks the local run output before it is published:
//   - both repair streams and the findings report exist and are non-empty
//   - each stream holds exactly the findings routed to its sink
//   - the report holds one row per finding
//   - there are no more findings than classified records
func ValidateOutput(run *Run) ValidationResult {
	result := ValidationResult{Passed: true}
	fail := func(format string, args ...any) {
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
		result.Passed = false
	}

	var total int64
	expected := map[string]int64{repair.MetaFile: 0, repair.DataFile: 0}
	for status, n := range run.Findings {
		total += n
		sink, ok := classify.SinkFor(status)
		if !ok {
			fail("unknown finding category %q", status)
			continue
		}
		if sink == classify.SinkMeta {
			expected[repair.MetaFile] += n
		} else {
			expected[repair.DataFile] += n
		}
	}
	expected[report.FileName] = total

	seen := make(map[string]bool, len(run.Files))
	for _, f := range run.Files {
		name := filepath.Base(f.Path)
		seen[name] = true

		info, err := os.Stat(f.Path)
		if err != nil {
			fail("output file %s: %v", name, err)
			continue
		}
		if info.Size() == 0 {
			fail("output file %s is empty", name)
		}
		result.ByteSize += info.Size()

		want, ok := expected[name]
		if !ok {
			result.Warnings = append(result.Warnings, fmt.Sprintf("unexpected output file %s", name))
			continue
		}
		if f.Records != want {
			fail("%s holds %d records, expected %d", name, f.Records, want)
		}
	}
	for name := range expected {
		if !seen[name] {
			fail("missing output file %s", name)
		}
	}

	if total > run.Records {
		fail("%d findings for %d classified records", total, run.Records)
	}
	if run.Records == 0 {
		result.Warnings = append(result.Warnings, "no records were merged")
	}
	return result
}
