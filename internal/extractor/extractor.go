package extractor

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/antigravity-dev/aonp/internal/aonperr"
	"github.com/antigravity-dev/aonp/internal/clock"
	"github.com/antigravity-dev/aonp/internal/store"
)

// Extractor reads a statepoint file and produces a Summary plus a
// columnar summary artifact under the bundle's outputs/ directory.
type Extractor struct {
	clock clock.Clock
}

// New builds an Extractor with the system clock.
func New() *Extractor {
	return &Extractor{clock: clock.System{}}
}

// WithClock overrides the clock; used by tests that pin extracted_at.
func (x *Extractor) WithClock(c clock.Clock) *Extractor {
	x.clock = c
	return x
}

// Extract implements spec.md §4.7: read statepointPath, derive a Summary,
// and write outputs/summary.csv into outputsDir, returning its path.
func (x *Extractor) Extract(runID, statepointPath, outputsDir string) (*store.Summary, string, *aonperr.Error) {
	data, err := readStatepoint(statepointPath)
	if err != nil {
		return nil, "", err
	}

	summary := &store.Summary{
		RunID:              runID,
		SchemaVersion:      1,
		Keff:               data.KeffMean,
		KeffStd:            data.KeffStd,
		KeffUncertaintyPCM: data.KeffStd * 1e5,
		NBatches:           int(data.NBatches),
		NInactive:          int(data.NInactive),
		NParticles:         int(data.NParticles),
		ExtractedAt:        x.clock.Now(),
	}

	summaryPath := filepath.Join(outputsDir, "summary.csv")
	if werr := writeSummaryCSV(summaryPath, summary); werr != nil {
		return nil, "", aonperr.Wrap(aonperr.Extract, werr)
	}
	return summary, summaryPath, nil
}

func writeSummaryCSV(path string, s *store.Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create summary.csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	rows := [][]string{
		{"metric", "value"},
		{"keff", strconv.FormatFloat(s.Keff, 'g', -1, 64)},
		{"keff_std", strconv.FormatFloat(s.KeffStd, 'g', -1, 64)},
		{"keff_uncertainty_pcm", strconv.FormatFloat(s.KeffUncertaintyPCM, 'g', -1, 64)},
		{"n_batches", strconv.Itoa(s.NBatches)},
		{"n_inactive", strconv.Itoa(s.NInactive)},
		{"n_particles", strconv.Itoa(s.NParticles)},
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write summary.csv row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}
