// Package runningsums implements the strided shift-and-add running-sum
// construction of running_sums.h/.cpp: given B ciphertexts viewed as an
// interleaved matrix with `stride` columns, it computes, in place, the
// running sum down every column across all B ciphertexts. A depth budget
// trades automorphism count against the number of multiplicative levels
// consumed, by grouping the shift-and-add phases into larger jumps.
package runningsums

import (
	"fmt"
	"math"
	"sort"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/fhe-benchmarking/fetch-by-similarity/internal/hectx"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/params"
)

func divc(a, b int) int { return (a + b - 1) / b }

// mask4shift encodes {0,...,0,1,...,1} with amt leading zeros, matching
// mask4shift in running_sums.cpp.
func mask4shift(ctx *hectx.Context, amt, level int) (*rlwe.Plaintext, error) {
	nSlots := 1 << ctx.Params.LogMaxSlots()
	amt %= nSlots
	if amt < 0 {
		amt += nSlots
	}
	mask := make([]float64, nSlots)
	for i := amt; i < nSlots; i++ {
		mask[i] = 1.0
	}
	pt := ckks.NewPlaintext(ctx.Params, level)
	if err := ctx.Encoder.Encode(mask, pt); err != nil {
		return nil, fmt.Errorf("%w: encoding running-sums mask: %v", params.ErrBackend, err)
	}
	return pt, nil
}

// phase groups the masks needed for one shift-and-add pass, keyed by the
// (negative) rotation amount EvalAtIndexKeyGen must be told about.
type phase map[int]*rlwe.Plaintext

// RunningSums computes strided running sums over a slice of ciphertexts.
type RunningSums struct {
	ctx    *hectx.Context
	stride int
	phases []phase
}

// New builds a RunningSums plan for the given stride (the number of
// matrix columns packed per ciphertext) and depth budget (0 means "use
// the default depth", i.e. one automorphism per phase). topLevel is the
// level of the ciphertexts eval will be called on; each phase's masks are
// encoded one level lower than the previous phase's, since each phase
// consumes one multiplicative level.
func New(ctx *hectx.Context, stride, depthBudget, topLevel int) (*RunningSums, error) {
	nSlots := 1 << ctx.Params.LogMaxSlots()
	if nSlots&(nSlots-1) != 0 {
		return nil, fmt.Errorf("%w: nSlots must be a power of two, got %d", params.ErrPrecondition, nSlots)
	}
	if nSlots%stride != 0 {
		return nil, fmt.Errorf("%w: stride %d does not divide nSlots %d", params.ErrPrecondition, stride, nSlots)
	}

	nIntervals := nSlots / stride
	logIntervals := int(math.Log2(float64(nIntervals)))
	if depthBudget <= 0 || depthBudget > logIntervals {
		depthBudget = logIntervals
	}
	factor := 1 << divc(logIntervals, depthBudget)

	rs := &RunningSums{ctx: ctx, stride: stride}
	level := topLevel
	for nIntervals > factor {
		nIntervals /= factor
		p := phase{}
		for i := factor - 1; i > 0; i-- {
			amt := stride * nIntervals * i
			pt, err := mask4shift(ctx, amt, level)
			if err != nil {
				return nil, err
			}
			p[-amt] = pt
		}
		rs.phases = append(rs.phases, p)
		level--
	}
	if nIntervals > 1 {
		p := phase{}
		for i := nIntervals - 1; i > 0; i-- {
			amt := stride * i
			pt, err := mask4shift(ctx, amt, level)
			if err != nil {
				return nil, err
			}
			p[-amt] = pt
		}
		rs.phases = append(rs.phases, p)
	}
	return rs, nil
}

// ShiftAmounts returns every rotation amount this plan's masks were built
// for, suitable for feeding into Galois-key generation.
func (rs *RunningSums) ShiftAmounts() []int {
	var out []int
	for _, p := range rs.phases {
		for amt := range p {
			out = append(out, amt)
		}
	}
	sort.Ints(out)
	return out
}

// ShiftAmounts computes the same rotation amounts as the method above,
// without needing an HE context, for key generation ahead of time.
func ShiftAmounts(nSlots, stride, depthBudget int) []int {
	nIntervals := nSlots / stride
	logIntervals := int(math.Log2(float64(nIntervals)))
	if depthBudget <= 0 || depthBudget > logIntervals {
		depthBudget = logIntervals
	}
	factor := 1 << divc(logIntervals, depthBudget)

	var out []int
	for nIntervals > factor {
		nIntervals /= factor
		for i := factor - 1; i > 0; i-- {
			out = append(out, -stride*nIntervals*i)
		}
	}
	if nIntervals > 1 {
		for i := nIntervals - 1; i > 0; i-- {
			out = append(out, -stride*i)
		}
	}
	return out
}

// EvalInPlace computes the running sum across ctxts in place: first an
// inter-ciphertext left-to-right addition pass (depth-free), then one
// shift-and-add phase per entry in rs.phases, each adding its result into
// every ciphertext.
func (rs *RunningSums) EvalInPlace(ctxts []*rlwe.Ciphertext) error {
	eval := rs.ctx.Evaluator
	for i := 1; i < len(ctxts); i++ {
		sum, err := eval.AddNew(ctxts[i-1], ctxts[i])
		if err != nil {
			return fmt.Errorf("%w: inter-ciphertext running sum: %v", params.ErrBackend, err)
		}
		ctxts[i] = sum
	}

	for _, p := range rs.phases {
		amts := make([]int, 0, len(p))
		for amt := range p {
			amts = append(amts, amt)
		}
		sort.Ints(amts)

		var acc *rlwe.Ciphertext
		last := ctxts[len(ctxts)-1]
		for _, amt := range amts {
			rotated, err := eval.RotateNew(last, amt)
			if err != nil {
				return fmt.Errorf("%w: rotating running-sums accumulator: %v", params.ErrBackend, err)
			}
			tmp, err := eval.MulNew(rotated, p[amt])
			if err != nil {
				return fmt.Errorf("%w: masking running-sums accumulator: %v", params.ErrBackend, err)
			}
			if acc == nil {
				acc = tmp
			} else if err := eval.Add(acc, tmp, acc); err != nil {
				return fmt.Errorf("%w: accumulating running-sums phase: %v", params.ErrBackend, err)
			}
		}
		for i, ct := range ctxts {
			sum, err := eval.AddNew(ct, acc)
			if err != nil {
				return fmt.Errorf("%w: adding running-sums phase result: %v", params.ErrBackend, err)
			}
			ctxts[i] = sum
		}
	}
	return nil
}

// FromMatrixForm rearranges a row-major matrix into the slot layout
// EvalInPlace expects: ceil(nRows*nCols/nSlots) vectors of nSlots values,
// matching RunningSums::from_matrix_form.
func FromMatrixForm(matrix [][]float64, nSlots int) ([][]float64, error) {
	if len(matrix) == 0 || len(matrix[0]) == 0 {
		return nil, nil
	}
	nRows := len(matrix)
	nCols := len(matrix[0])
	if nSlots < nCols || nSlots%nCols != 0 {
		return nil, fmt.Errorf("%w: nSlots must be divisible by nCols", params.ErrPrecondition)
	}
	if (nRows*nCols)%nSlots != 0 {
		return nil, fmt.Errorf("%w: nRows*nCols must be divisible by nSlots", params.ErrPrecondition)
	}
	slots := make([][]float64, (nCols*nRows)/nSlots)
	for i := range slots {
		slots[i] = make([]float64, nSlots)
	}
	for i := 0; i < nRows; i++ {
		slotsI := i % len(slots)
		slotsJ := nCols * (i / len(slots))
		for j := 0; j < nCols; j++ {
			slots[slotsI][slotsJ+j] = matrix[i][j]
		}
	}
	return slots, nil
}

// ToMatrixForm is the inverse of FromMatrixForm, matching
// RunningSums::to_matrix_form: it reassembles decoded slot vectors back
// into row-major matrix form given the number of matrix columns.
func ToMatrixForm(slots [][]float64, nCols int) ([][]float64, error) {
	if len(slots) == 0 || len(slots[0]) == 0 {
		return nil, nil
	}
	if len(slots[0]) < nCols || len(slots[0])%nCols != 0 {
		return nil, fmt.Errorf("%w: nSlots must be divisible by nCols", params.ErrPrecondition)
	}
	nRowsPerVector := len(slots[0]) / nCols
	matrix := make([][]float64, len(slots)*nRowsPerVector)
	for i := range matrix {
		matrix[i] = make([]float64, nCols)
	}
	for i := range matrix {
		slotsI := i % len(slots)
		slotsJ := nCols * (i / len(slots))
		for j := 0; j < nCols; j++ {
			matrix[i][j] = slots[slotsI][slotsJ+j]
		}
	}
	return matrix, nil
}
