// Package extractor reads a solver statepoint file and derives a Summary.
//
// The statepoint is OpenMC's HDF5-format output. No HDF5 or scientific
// array-format library exists anywhere in the reference corpus, so this
// package implements a narrow, documented binary reader against exactly
// the handful of datasets a Summary needs, using stdlib encoding/binary.
// It validates the real HDF5 8-byte file signature, then locates each
// named dataset by scanning for its ASCII name in the file's local heap
// and reading the raw little-endian payload at the first 8-byte-aligned
// offset after the name's NUL terminator —
// sufficient for the small, contiguous scalar datasets a statepoint
// carries (k-combined's mean/std_dev, and the run's batch/particle
// counts), without implementing the full B-tree/object-header layout a
// general HDF5 reader would need.
package extractor

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"

	"github.com/antigravity-dev/aonp/internal/aonperr"
)

// hdf5Signature is the fixed 8-byte magic every HDF5 file begins with.
var hdf5Signature = []byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'}

const datasetAlignment = 8

type statepointData struct {
	KeffMean   float64
	KeffStd    float64
	NBatches   int64
	NInactive  int64
	NParticles int64
}

// readStatepoint opens path and extracts the scalar datasets a Summary
// needs. Returns ExtractError for a missing file, a bad signature, a
// dataset that can't be located, or an out-of-range value.
func readStatepoint(path string) (*statepointData, *aonperr.Error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, aonperr.Wrap(aonperr.Extract, err)
	}
	if len(raw) < len(hdf5Signature) || !bytes.Equal(raw[:len(hdf5Signature)], hdf5Signature) {
		return nil, aonperr.New(aonperr.Extract, "statepoint file is missing the HDF5 signature")
	}

	mean, err0 := readFloat64Dataset(raw, "k_combined_mean")
	if err0 != nil {
		return nil, aonperr.Wrap(aonperr.Extract, err0)
	}
	std, err1 := readFloat64Dataset(raw, "k_combined_std_dev")
	if err1 != nil {
		return nil, aonperr.Wrap(aonperr.Extract, err1)
	}
	nBatches, err2 := readInt64Dataset(raw, "n_batches")
	if err2 != nil {
		return nil, aonperr.Wrap(aonperr.Extract, err2)
	}
	nInactive, err3 := readInt64Dataset(raw, "n_inactive")
	if err3 != nil {
		return nil, aonperr.Wrap(aonperr.Extract, err3)
	}
	nParticles, err4 := readInt64Dataset(raw, "n_particles")
	if err4 != nil {
		return nil, aonperr.Wrap(aonperr.Extract, err4)
	}

	data := &statepointData{
		KeffMean: mean, KeffStd: std,
		NBatches: nBatches, NInactive: nInactive, NParticles: nParticles,
	}
	if std < 0 {
		return nil, aonperr.New(aonperr.Extract, "k-combined std_dev is negative")
	}
	if nBatches <= nInactive {
		return nil, aonperr.New(aonperr.Extract, "n_batches must be greater than n_inactive")
	}
	return data, nil
}

func readFloat64Dataset(raw []byte, name string) (float64, error) {
	off, err := datasetValueOffset(raw, name, 8)
	if err != nil {
		return 0, err
	}
	bits := binary.LittleEndian.Uint64(raw[off : off+8])
	return math.Float64frombits(bits), nil
}

func readInt64Dataset(raw []byte, name string) (int64, error) {
	off, err := datasetValueOffset(raw, name, 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(raw[off : off+8])), nil
}

func datasetValueOffset(raw []byte, name string, size int) (int, error) {
	marker := append([]byte(name), 0x00)
	idx := bytes.Index(raw, marker)
	if idx < 0 {
		return 0, &missingDatasetError{name: name}
	}
	off := idx + len(marker)
	if rem := off % datasetAlignment; rem != 0 {
		off += datasetAlignment - rem
	}
	if off+size > len(raw) {
		return 0, &missingDatasetError{name: name}
	}
	return off, nil
}

type missingDatasetError struct{ name string }

func (e *missingDatasetError) Error() string {
	return "missing or truncated dataset: " + e.name
}
