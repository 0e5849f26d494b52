// Package pipeline implements the server's encrypted compute stages, a
// direct port of server_encrypted_compute.cpp's main and its helpers:
//
//	S1  MatVecMult      matrix-vector product, one accumulator per batch
//	S2  Threshold       Chebyshev sigmoid comparison against the match
//	                    threshold (or the count-only shortcut, S2')
//	S3  Compact         running-sums compaction, masked by S2's own
//	                    output and shifted from [0,2] to [-1,1]
//	S4  ExtractMatches  eight-iteration match-enumeration loop: an impulse
//	                    Chebyshev approximation of "this is the i-th
//	                    match" gates the payload replication and masking
//	                    of each candidate row
//
// Run wires all four into the single entry point cmd/server calls.
package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/fhe-benchmarking/fetch-by-similarity/internal/approx"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/clock"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/hectx"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/params"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/replication"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/runningsums"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/store"
)

// Pipeline runs the encrypted server-side compute stages against a
// dataset already encoded and encrypted under prms.EncDir().
type Pipeline struct {
	ctx  *hectx.Context
	kit  *approx.Kit
	prms params.InstanceParams
	sw   *clock.Stopwatch
}

// New builds a Pipeline bound to ctx's evaluator, logging each stage
// boundary through sw.
func New(ctx *hectx.Context, prms params.InstanceParams, sw *clock.Stopwatch) *Pipeline {
	return &Pipeline{ctx: ctx, kit: approx.New(ctx), prms: prms, sw: sw}
}

// Run evaluates the full pipeline against the encrypted query qry,
// returning a single result ciphertext. When countOnly is set, the
// result instead holds the match count summed over every slot of every
// batch, replicated into every slot, and S3/S4 are skipped entirely, matching
// server_encrypted_compute.cpp's --count_only branch.
func (p *Pipeline) Run(qry *rlwe.Ciphertext, countOnly bool) (*rlwe.Ciphertext, error) {
	result, err := p.matVecMult(qry)
	if err != nil {
		return nil, err
	}
	p.sw.Step(1, "matrix-vector product")

	for i, ct := range result {
		thresholded, err := p.kit.Threshold(ct, p.prms.CompareThreshold(), countOnly)
		if err != nil {
			return nil, fmt.Errorf("%w: thresholding batch %d: %v", params.ErrBackend, i, err)
		}
		result[i] = thresholded
	}
	p.sw.Step(2, "compare to threshold")

	if countOnly {
		return p.countOnlySum(result)
	}

	matches := make([]*rlwe.Ciphertext, len(result))
	for i, ct := range result {
		matches[i] = ct.CopyNew()
	}

	rs, err := runningsums.New(p.ctx, p.prms.NCols(), params.RunningSumLevels, result[0].Level())
	if err != nil {
		return nil, err
	}
	if err := rs.EvalInPlace(result); err != nil {
		return nil, err
	}
	for i := range result {
		masked, err := p.ctx.Evaluator.MulNew(result[i], matches[i])
		if err != nil {
			return nil, fmt.Errorf("%w: masking compacted batch %d by its own match indicator: %v", params.ErrBackend, i, err)
		}
		result[i] = masked
	}
	matches = nil
	for i, ct := range result {
		shifted, err := p.ctx.Evaluator.SubNew(ct, 1.0)
		if err != nil {
			return nil, fmt.Errorf("%w: shifting batch %d to [-1,1]: %v", params.ErrBackend, i, err)
		}
		result[i] = shifted
	}
	p.sw.Step(3, "running sums")

	accumulator, err := p.extractMatches(result)
	if err != nil {
		return nil, err
	}
	p.sw.Step(4, "output compression")

	return accumulator, nil
}

// matVecMult computes, for every batch, the sum over the record-dim
// query positions of rowᵢ ⊙ queryReplicaᵢ, matching mat_vec_mult. The
// query ciphertext already repeats its RecordDim-wide record
// NSlots/RecordDim times to fill every slot, so the DFS replication
// tree (whose degrees multiply to RecordDim, per InstanceParams.Degrees)
// only needs to single out and broadcast one query position at a time;
// each of those RecordDim replicas is multiplied (without
// relinearization) against every batch's row ciphertext for that
// position and accumulated, with a single relinearization per batch
// once every replica has been consumed.
func (p *Pipeline) matVecMult(qry *rlwe.Ciphertext) ([]*rlwe.Ciphertext, error) {
	inputReplication := p.prms.NSlots() / p.prms.RecordDim()
	replicator, err := replication.New(p.ctx, p.prms.Degrees(), inputReplication)
	if err != nil {
		return nil, err
	}

	nBatches := p.prms.NCtxts()
	acc := make([]*rlwe.Ciphertext, nBatches)

	replica, err := replicator.Init(qry)
	if err != nil {
		return nil, fmt.Errorf("%w: initializing query replication tree: %v", params.ErrBackend, err)
	}
	for i := 0; replica != nil; i++ {
		for j := 0; j < nBatches; j++ {
			rowPath := filepath.Join(p.prms.BatchDir(j), fmt.Sprintf("row_%04d.bin", i))
			row := new(rlwe.Ciphertext)
			if err := store.LoadBinary(rowPath, row); err != nil {
				return nil, err
			}
			term, err := p.ctx.Evaluator.MulNew(row, replica)
			if err != nil {
				return nil, fmt.Errorf("%w: multiplying row %d of batch %d by query replica: %v", params.ErrBackend, i, j, err)
			}
			if i == 0 {
				acc[j] = term
			} else if err := p.ctx.Evaluator.Add(acc[j], term, acc[j]); err != nil {
				return nil, fmt.Errorf("%w: accumulating batch %d: %v", params.ErrBackend, j, err)
			}
		}
		replica, err = replicator.NextReplica()
		if err != nil {
			return nil, fmt.Errorf("%w: advancing query replication tree: %v", params.ErrBackend, err)
		}
	}

	for j, ct := range acc {
		if ct == nil {
			return nil, fmt.Errorf("%w: batch %d produced no accumulator", params.ErrPrecondition, j)
		}
		if err := p.ctx.Evaluator.Relinearize(ct, ct); err != nil {
			return nil, fmt.Errorf("%w: relinearizing batch %d: %v", params.ErrBackend, j, err)
		}
	}
	return acc, nil
}

// countOnlySum collapses every batch's thresholded ciphertext into a
// single scalar count: all batches are added together, then every slot
// of the resulting ciphertext is summed via InnerSum, matching
// compare_to_threshold's count_only branch (EvalAddInPlace loop then
// EvalSum(result[0], NSlots)).
func (p *Pipeline) countOnlySum(result []*rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	total := result[0]
	for i := 1; i < len(result); i++ {
		summed, err := p.ctx.Evaluator.AddNew(total, result[i])
		if err != nil {
			return nil, fmt.Errorf("%w: summing count-only batches: %v", params.ErrBackend, err)
		}
		total = summed
	}
	out := ckks.NewCiphertext(p.ctx.Params, 1, total.Level())
	if err := p.ctx.Evaluator.InnerSum(total, 1, p.prms.NSlots(), out); err != nil {
		return nil, fmt.Errorf("%w: summing count-only slots: %v", params.ErrBackend, err)
	}
	p.sw.Step(3, "summation")
	return out, nil
}

// extractMatches runs the S4 match-enumeration loop: for i=1..MaxNMatch,
// an impulse Chebyshev approximation of "the running i-th match falls in
// this slot" gates which candidate row's payload columns get replicated
// into the output, each written into its own PayloadDim-row band,
// matching the accumulator/to_replicate loop in main().
func (p *Pipeline) extractMatches(compacted []*rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	nCols := p.prms.NCols()
	period := nCols * params.PayloadDim
	var accumulator *rlwe.Ciphertext

	for i := 1; i <= p.prms.MaxNMatch(); i++ {
		number := float64(i)/4.0 - 1.0
		indicator := make([]*rlwe.Ciphertext, len(compacted))
		for k, ct := range compacted {
			ind, err := p.kit.Impulse(ct, number)
			if err != nil {
				return nil, fmt.Errorf("%w: evaluating match indicator %d for batch %d: %v", params.ErrBackend, i, k, err)
			}
			indicator[k] = ind
		}

		var toReplicate *rlwe.Ciphertext
		for j := 0; j < params.PayloadDim; j++ {
			for k := 0; k < len(compacted); k++ {
				payloadPath := filepath.Join(p.prms.BatchDir(k), fmt.Sprintf("payload_%04d.bin", j))
				payload := new(rlwe.Ciphertext)
				if err := store.LoadBinary(payloadPath, payload); err != nil {
					return nil, err
				}
				term, err := p.ctx.Evaluator.MulNew(payload, indicator[k])
				if err != nil {
					return nil, fmt.Errorf("%w: gating payload column %d of batch %d: %v", params.ErrBackend, j, k, err)
				}
				if j != 0 {
					term, err = p.ctx.Evaluator.RotateNew(term, -j*nCols)
					if err != nil {
						return nil, fmt.Errorf("%w: shifting payload column %d into row band: %v", params.ErrBackend, j, err)
					}
				}
				if toReplicate == nil {
					toReplicate = term
				} else if err := p.ctx.Evaluator.Add(toReplicate, term, toReplicate); err != nil {
					return nil, fmt.Errorf("%w: accumulating payload column %d of batch %d: %v", params.ErrBackend, j, k, err)
				}
			}
		}

		replicated, err := p.totalSums(toReplicate, period)
		if err != nil {
			return nil, fmt.Errorf("%w: replicating match %d's payload across its column: %v", params.ErrBackend, i, err)
		}

		mask, err := p.rowBandMask(i-1, replicated.Level())
		if err != nil {
			return nil, err
		}
		masked, err := p.ctx.Evaluator.MulNew(replicated, mask)
		if err != nil {
			return nil, fmt.Errorf("%w: masking match %d's row band: %v", params.ErrBackend, i, err)
		}

		if accumulator == nil {
			accumulator = masked
		} else if err := p.ctx.Evaluator.Add(accumulator, masked, accumulator); err != nil {
			return nil, fmt.Errorf("%w: accumulating match %d into output: %v", params.ErrBackend, i, err)
		}
	}
	return accumulator, nil
}

// totalSums reduces ct, viewed as a sequence of period-slot blocks, so
// that every slot holds the sum of the slots at the same offset in every
// block: a log2(nSlots/period)-deep rotate-and-add tree with amounts 1<<(i+r),
// matching total_sums. There is no lattigo EvalSumRows primitive, so
// this hand-rolls the reduction with explicit RotateNew calls; the
// Galois keys for every amount it uses are requested up front by
// internal/keys.totalSumsRotations.
func (p *Pipeline) totalSums(ct *rlwe.Ciphertext, period int) (*rlwe.Ciphertext, error) {
	nSlots := 1 << p.ctx.Params.LogMaxSlots()
	s, r := 0, 0
	for (1 << s) < nSlots/period {
		s++
	}
	for (1 << r) < period {
		r++
	}
	if nSlots != 1<<(s+r) {
		return nil, fmt.Errorf("%w: total_sums period %d does not divide nSlots %d as a power of two", params.ErrPrecondition, period, nSlots)
	}

	results := ct.CopyNew()
	for i := s - 1; i >= 0; i-- {
		rotAmount := 1 << (i + r)
		tmp, err := p.ctx.Evaluator.RotateNew(results, rotAmount)
		if err != nil {
			return nil, fmt.Errorf("%w: rotating total_sums accumulator by %d: %v", params.ErrBackend, rotAmount, err)
		}
		if err := p.ctx.Evaluator.Add(results, tmp, results); err != nil {
			return nil, fmt.Errorf("%w: accumulating total_sums step: %v", params.ErrBackend, err)
		}
	}
	return results, nil
}

// rowBandMask encodes a 0/1 mask selecting the matchIdx-th PayloadDim-row
// band, matching the mask main() builds from row := ell/NCols before
// masking the i-th match's replicated payload.
func (p *Pipeline) rowBandMask(matchIdx int, level int) (*rlwe.Plaintext, error) {
	nSlots := 1 << p.ctx.Params.LogMaxSlots()
	nCols := p.prms.NCols()
	lo := matchIdx * params.PayloadDim
	hi := lo + params.PayloadDim
	vec := make([]float64, nSlots)
	for ell := 0; ell < nSlots; ell++ {
		row := ell / nCols
		if row >= lo && row < hi {
			vec[ell] = 1.0
		}
	}
	pt := ckks.NewPlaintext(p.ctx.Params, level)
	if err := p.ctx.Encoder.Encode(vec, pt); err != nil {
		return nil, fmt.Errorf("%w: encoding match row-band mask: %v", params.ErrBackend, err)
	}
	return pt, nil
}
