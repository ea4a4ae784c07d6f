package extractor

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/aonp/internal/aonperr"
	"github.com/antigravity-dev/aonp/internal/clock"
)

// writeFakeStatepoint synthesizes a minimal file satisfying exactly the
// narrow subset readStatepoint recognizes: the real HDF5 signature,
// followed by each dataset's name (NUL-terminated, 8-byte aligned) and its
// raw little-endian payload.
func writeFakeStatepoint(t *testing.T, path string, keffMean, keffStd float64, nBatches, nInactive, nParticles int64) {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(hdf5Signature)

	writeDataset := func(name string, value any) {
		buf.WriteString(name)
		buf.WriteByte(0)
		for buf.Len()%datasetAlignment != 0 {
			buf.WriteByte(0)
		}
		switch v := value.(type) {
		case float64:
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
			buf.Write(b[:])
		case int64:
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(v))
			buf.Write(b[:])
		}
	}

	writeDataset("k_combined_mean", keffMean)
	writeDataset("k_combined_std_dev", keffStd)
	writeDataset("n_batches", nBatches)
	writeDataset("n_inactive", nInactive)
	writeDataset("n_particles", nParticles)

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write fake statepoint: %v", err)
	}
}

func TestExtractProducesSummaryAndCSV(t *testing.T) {
	dir := t.TempDir()
	statepointPath := filepath.Join(dir, "statepoint.120.h5")
	writeFakeStatepoint(t, statepointPath, 1.6012, 0.0031, 120, 20, 10000)

	outputsDir := filepath.Join(dir, "outputs")
	if err := os.MkdirAll(outputsDir, 0755); err != nil {
		t.Fatal(err)
	}

	x := New().WithClock(clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	summary, csvPath, err := x.Extract("run-1", statepointPath, outputsDir)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if summary.Keff != 1.6012 {
		t.Errorf("keff = %v, want 1.6012", summary.Keff)
	}
	if summary.KeffUncertaintyPCM != 0.0031*1e5 {
		t.Errorf("keff_uncertainty_pcm = %v, want %v", summary.KeffUncertaintyPCM, 0.0031*1e5)
	}
	if summary.NBatches != 120 || summary.NInactive != 20 || summary.NParticles != 10000 {
		t.Errorf("unexpected batch/particle counts: %+v", summary)
	}
	if _, err := os.Stat(csvPath); err != nil {
		t.Errorf("summary.csv not written: %v", err)
	}
}

func TestExtractRejectsNegativeStdDev(t *testing.T) {
	dir := t.TempDir()
	statepointPath := filepath.Join(dir, "statepoint.h5")
	writeFakeStatepoint(t, statepointPath, 1.0, -0.01, 100, 10, 1000)

	_, _, err := New().Extract("run-1", statepointPath, dir)
	if err == nil || !aonperr.IsType(err, aonperr.Extract) {
		t.Fatalf("expected ExtractError for negative std_dev, got %v", err)
	}
}

func TestExtractRejectsBatchesNotGreaterThanInactive(t *testing.T) {
	dir := t.TempDir()
	statepointPath := filepath.Join(dir, "statepoint.h5")
	writeFakeStatepoint(t, statepointPath, 1.0, 0.01, 20, 20, 1000)

	_, _, err := New().Extract("run-1", statepointPath, dir)
	if err == nil || !aonperr.IsType(err, aonperr.Extract) {
		t.Fatalf("expected ExtractError for n_batches <= n_inactive, got %v", err)
	}
}

func TestExtractRejectsMissingSignature(t *testing.T) {
	dir := t.TempDir()
	statepointPath := filepath.Join(dir, "not-hdf5.h5")
	if err := os.WriteFile(statepointPath, []byte("not a statepoint file"), 0644); err != nil {
		t.Fatal(err)
	}

	_, _, err := New().Extract("run-1", statepointPath, dir)
	if err == nil || !aonperr.IsType(err, aonperr.Extract) {
		t.Fatalf("expected ExtractError for bad signature, got %v", err)
	}
}
