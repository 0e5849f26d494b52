// Package hectx builds the CKKS parameter set and the encoder/evaluator
// bundle every other package needs to talk to the HE backend
// (github.com/tuneinsight/lattigo/v6). The parameter literal construction
// follows the pattern in isglobal-brge/dsVert/mhe-tool's ckks_ops.go
// (getParams): a small switch over ring size choosing concrete LogQ/LogP
// moduli chains, rather than deriving them at runtime.
//
// The moduli chain is sized for a multiplicative depth of 23 regardless of
// instance size, matching the original submission's
// SetMultiplicativeDepth(23): the server pipeline's deepest chain (S1's
// replication tree, S2/S2' Chebyshev degree up to 247, S3's running sums,
// S4's eight-iteration match loop with its own Chebyshev evaluation) needs
// the same number of usable levels independent of how many rows the
// instance holds.
package hectx

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/fhe-benchmarking/fetch-by-similarity/internal/params"
)

const (
	firstModulusBits = 57
	scalingModulusBits = 45
	multiplicativeDepth = 23
	logDefaultScale = 45
)

// ParametersLiteral returns the lattigo CKKS parameter literal for the
// given instance size: LogN=10 (ring dimension 1024) for Toy, matching the
// original's HEStd_NotSet/SetRingDim(1<<10) toy configuration, and
// LogN=16 (ring dimension 65536) at the 128-bit classical security level
// for Small/Medium/Large.
func ParametersLiteral(size params.InstanceSize) ckks.ParametersLiteral {
	logN := 16
	if size == params.Toy {
		logN = 10
	}
	logQ := make([]int, 0, multiplicativeDepth+1)
	logQ = append(logQ, firstModulusBits)
	for i := 0; i < multiplicativeDepth; i++ {
		logQ = append(logQ, scalingModulusBits)
	}
	return ckks.ParametersLiteral{
		LogN:            logN,
		LogQ:            logQ,
		LogP:            []int{58, 58},
		LogDefaultScale: logDefaultScale,
	}
}

// NewParameters builds the checked ckks.Parameters for the given instance
// size.
func NewParameters(size params.InstanceSize) (ckks.Parameters, error) {
	p, err := ckks.NewParametersFromLiteral(ParametersLiteral(size))
	if err != nil {
		return ckks.Parameters{}, fmt.Errorf("%w: building ckks parameters: %v", params.ErrBackend, err)
	}
	return p, nil
}

// Context bundles the pieces every backend-touching package needs: the
// checked parameters, the CKKS encoder, and an evaluator bound to a given
// evaluation-key set. It is the Go analogue of the CryptoContext handle
// the original C++ threads through every client/server binary.
type Context struct {
	Params    ckks.Parameters
	Encoder   *ckks.Encoder
	Evaluator *ckks.Evaluator
}

// NewContext builds a Context for the given parameters and evaluation-key
// set (relinearization key plus the Galois keys for every rotation the
// caller will need). evk may be nil for contexts that only encode/encrypt.
func NewContext(p ckks.Parameters, evk rlwe.EvaluationKeySet) *Context {
	return &Context{
		Params:    p,
		Encoder:   ckks.NewEncoder(p),
		Evaluator: ckks.NewEvaluator(p, evk),
	}
}
