package client

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/fhe-benchmarking/fetch-by-similarity/internal/params"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/runningsums"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/store"
)

// anomalyMarkerRatio is the smallest fraction of MaxPayloadVal the marker
// slot must reach to be trusted as a real marker rather than decryption
// noise, matching decode_results' "maxval < MAX_PAYLOAD_VAL*1.4" check.
const anomalyMarkerRatio = 1.4

// decodeResults reassembles slots into matrix form and scans every
// PayloadDim-row band of every column for a match, matching
// client_postprocess.cpp's decode_results: the band's largest value is
// taken as the marker slot, and if it clears MaxPayloadVal the remaining
// PayloadDim-1 values are rescaled and rotated back into field order.
func decodeResults(slots []float64, nCols int) ([][]int16, error) {
	matrix, err := runningsums.ToMatrixForm([][]float64{slots}, nCols)
	if err != nil {
		return nil, err
	}

	var out [][]int16
	for j := 0; j < nCols; j++ {
		for i := 0; i < len(matrix); i += params.PayloadDim {
			marker := -1
			maxVal := 0.0
			for ii := 0; ii < params.PayloadDim; ii++ {
				if matrix[i+ii][j] > maxVal {
					maxVal = matrix[i+ii][j]
					marker = ii
				}
			}
			if maxVal <= params.MaxPayloadVal {
				continue
			}
			if maxVal < params.MaxPayloadVal*anomalyMarkerRatio {
				vals := make([]float64, params.PayloadDim)
				for k := 0; k < params.PayloadDim; k++ {
					vals[k] = matrix[i+k][j]
				}
				return nil, fmt.Errorf("%w: marker not found in payload: %v", params.ErrDecodedAnomaly, vals)
			}
			scale := (params.MaxPayloadVal * 2 * params.PayloadPrecision) / matrix[i+marker][j]
			rec := make([]int16, params.PayloadDim-1)
			for k := 1; k < params.PayloadDim; k++ {
				idx := i + (marker+k)%params.PayloadDim
				rec[k-1] = int16(roundHalfAwayFromZero(scale * matrix[idx][j]))
			}
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		for k := range out[a] {
			if out[a][k] != out[b][k] {
				return out[a][k] < out[b][k]
			}
		}
		return false
	})
	return out, nil
}

func roundHalfAwayFromZero(x float64) float64 {
	if x >= 0 {
		return float64(int64(x + 0.5))
	}
	return float64(int64(x - 0.5))
}

// Postprocess reads io/<size>/raw-result.bin, decodes every matched
// record, writes them to io/<size>/results.bin, and returns them,
// matching client_postprocess.cpp's main.
func Postprocess(prms params.InstanceParams) ([][]int16, error) {
	rows, err := store.Read2Vecs[float64](filepath.Join(prms.IODir(), "raw-result.bin"), prms.NSlots())
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, fmt.Errorf("%w: raw-result.bin must hold exactly one record, got %d", params.ErrPrecondition, len(rows))
	}

	records, err := decodeResults(rows[0], prms.NCols())
	if err != nil {
		return nil, err
	}
	if err := store.Write2Disk(filepath.Join(prms.IODir(), "results.bin"), records); err != nil {
		return nil, err
	}
	return records, nil
}
