// Package approx is the Chebyshev approximation kit: homomorphic
// evaluation of the two nonlinear functions the server pipeline needs, a
// steep sigmoid standing in for a hard threshold comparison and a narrow
// Gaussian standing in for an exact-match indicator. Both are built the
// way examples/singleparty/ckks_sigmoid_chebyshev builds its sigmoid: a
// bignum.ChebyshevApproximation over an interval, evaluated homomorphically
// with circuits/ckks/polynomial's evaluator after a change-of-basis.
package approx

import (
	"fmt"
	"math"
	"math/big"

	"github.com/tuneinsight/lattigo/v6/circuits/ckks/polynomial"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/utils/bignum"

	"github.com/fhe-benchmarking/fetch-by-similarity/internal/hectx"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/params"
)

const (
	thresholdInscale     = 69.0
	thresholdOutscale    = 0.504
	thresholdOutscaleCnt = 1.0
	thresholdDegree      = 59
	thresholdDegreeCount = 247
	impulseSigma         = 0.04
	impulseDegree        = 119
	chebyshevPrecision   = 128
)

// Kit evaluates the threshold and impulse functions homomorphically.
type Kit struct {
	ctx      *hectx.Context
	polyEval *polynomial.Evaluator
}

// New builds a Kit bound to ctx's evaluator.
func New(ctx *hectx.Context) *Kit {
	return &Kit{ctx: ctx, polyEval: polynomial.NewEvaluator(ctx.Params, ctx.Evaluator)}
}

func sigmoid(x, outscale, inscale float64) float64 {
	return outscale / (1 + math.Exp(-x*inscale))
}

func impulseRaw(x, sigma, scaling float64) float64 {
	return math.Exp(-x*x/(2*sigma*sigma)) * scaling / (sigma * math.Sqrt(2*math.Pi))
}

func impulse(x, sigma, scaling float64) float64 {
	if scaling <= 0 {
		scaling = 1 / impulseRaw(0, sigma, 1.0)
	}
	return impulseRaw(x, sigma, scaling)
}

func chebyshevOf(a, b float64, degree int, f func(float64) float64) bignum.Polynomial {
	fBig := func(x *big.Float) *big.Float {
		xF64, _ := x.Float64()
		return new(big.Float).SetPrec(x.Prec()).SetFloat64(f(xF64))
	}
	interval := bignum.Interval{
		A:     *bignum.NewFloat(a, chebyshevPrecision),
		B:     *bignum.NewFloat(b, chebyshevPrecision),
		Nodes: degree,
	}
	return bignum.ChebyshevApproximation(fBig, interval)
}

// evalPoly homomorphically evaluates poly at ct, leaving the caller's
// ciphertext untouched (the Chebyshev change-of-basis step mutates its
// operand in place, so it is applied to a copy).
func (k *Kit) evalPoly(ct *rlwe.Ciphertext, poly bignum.Polynomial) (*rlwe.Ciphertext, error) {
	p := polynomial.NewPolynomial(poly)
	scalar, constant := p.ChangeOfBasis()

	work := ct.CopyNew()
	eval := k.ctx.Evaluator
	if err := eval.Mul(work, scalar, work); err != nil {
		return nil, fmt.Errorf("%w: chebyshev change of basis (scale): %v", params.ErrBackend, err)
	}
	if err := eval.Add(work, constant, work); err != nil {
		return nil, fmt.Errorf("%w: chebyshev change of basis (shift): %v", params.ErrBackend, err)
	}
	if err := eval.Rescale(work, work); err != nil {
		return nil, fmt.Errorf("%w: rescaling after change of basis: %v", params.ErrBackend, err)
	}

	out, err := k.polyEval.Evaluate(work, p, k.ctx.Params.DefaultScale())
	if err != nil {
		return nil, fmt.Errorf("%w: evaluating chebyshev polynomial: %v", params.ErrBackend, err)
	}
	return out, nil
}

// Threshold evaluates a steep sigmoid approximation of "x > threshold" on
// ct, which must be scaled into [-1, 1]. countOnly selects the higher
// outscale/degree pairing used by the pipeline's count-only shortcut,
// matching compare_to_threshold's two branches.
func (k *Kit) Threshold(ct *rlwe.Ciphertext, threshold float64, countOnly bool) (*rlwe.Ciphertext, error) {
	outscale := thresholdOutscale
	degree := thresholdDegree
	if countOnly {
		outscale = thresholdOutscaleCnt
		degree = thresholdDegreeCount
	}
	f := func(x float64) float64 { return sigmoid(x-threshold, outscale, thresholdInscale) }
	return k.evalPoly(ct, chebyshevOf(-1, 1, degree, f))
}

// Impulse evaluates a narrow, self-normalizing Gaussian approximation of
// "x == number" on ct, which must be scaled into [-1, 1], matching
// compare_to_number.
func (k *Kit) Impulse(ct *rlwe.Ciphertext, number float64) (*rlwe.Ciphertext, error) {
	outscale := 1 / impulse(0, impulseSigma, 1.0)
	f := func(x float64) float64 { return impulse(x-number, impulseSigma, outscale) }
	return k.evalPoly(ct, chebyshevOf(-1, 1, impulseDegree, f))
}
