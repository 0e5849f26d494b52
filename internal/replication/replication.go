// Package replication implements the depth-first slot-replication tree of
// Halevi-Shoup (2014, section 4.2), extended with the hoisted-automorphism
// optimization of Halevi-Shoup (2018) for fan-out greater than two. It is
// a direct port of slot_replication.h/.cpp from the original submission:
// a chain of nodes, each owning a fan-out f, a rotation amount r, and f
// interleaved 0/1 masks, that together stream out one replicated
// ciphertext at a time without ever materializing the whole tree.
package replication

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/fhe-benchmarking/fetch-by-similarity/internal/hectx"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/params"
)

// node owns one level of the replication tree: it pulls a source
// ciphertext (either the tree's original input, if it is the root, or the
// next replica produced by its parent), rotates it into f shifted copies,
// and masks+sums those copies f times before needing a new source.
type node struct {
	ctx    *hectx.Context
	parent *node

	numReplicas int
	rotAmt      int
	current     int // == numReplicas means "needs a fresh source"

	shifts []*rlwe.Ciphertext
	masks  []*rlwe.Plaintext

	maskVecs  [][]float64
	maskLevel int
	haveMasks bool
}

func newNode(ctx *hectx.Context, parent *node, numReplicas, rotAmt int) (*node, error) {
	if numReplicas < 2 {
		return nil, fmt.Errorf("%w: replication node fan-out must be >= 2, got %d", params.ErrPrecondition, numReplicas)
	}
	n := &node{
		ctx:         ctx,
		parent:      parent,
		numReplicas: numReplicas,
		rotAmt:      rotAmt,
		current:     numReplicas,
		shifts:      make([]*rlwe.Ciphertext, numReplicas),
		masks:       make([]*rlwe.Plaintext, numReplicas),
	}
	n.maskVecs = n.buildMaskVectors()
	return n, nil
}

// buildMaskVectors implements generate_masks from slot_replication.cpp:
// for mask i, every block of blockSize = rotAmt*numReplicas slots has a
// single run of rotAmt ones starting at offset i*rotAmt.
func (n *node) buildMaskVectors() [][]float64 {
	nSlots := 1 << n.ctx.Params.LogMaxSlots()
	blockSize := n.rotAmt * n.numReplicas
	nBlocks := nSlots / blockSize
	vecs := make([][]float64, n.numReplicas)
	for i := 0; i < n.numReplicas; i++ {
		v := make([]float64, nSlots)
		for b := 0; b < nBlocks; b++ {
			runStart := b*blockSize + i*n.rotAmt
			for j := 0; j < n.rotAmt; j++ {
				v[runStart+j] = 1.0
			}
		}
		vecs[i] = v
	}
	return vecs
}

func (n *node) ensureMasks(level int) error {
	if n.haveMasks && n.maskLevel == level {
		return nil
	}
	for i, vec := range n.maskVecs {
		pt := ckks.NewPlaintext(n.ctx.Params, level)
		if err := n.ctx.Encoder.Encode(vec, pt); err != nil {
			return fmt.Errorf("%w: encoding replication mask: %v", params.ErrBackend, err)
		}
		n.masks[i] = pt
	}
	n.maskLevel = level
	n.haveMasks = true
	return nil
}

// installSource rotates ct into numReplicas shifted copies: a single
// RotateNew for fan-out 2, or one hoisted RotateHoistedNew call for larger
// fan-out, exactly the install_source split in the original.
func (n *node) installSource(ct *rlwe.Ciphertext) error {
	if err := n.ensureMasks(ct.Level()); err != nil {
		return err
	}
	n.shifts[0] = ct
	if n.numReplicas == 2 {
		rotated, err := n.ctx.Evaluator.RotateNew(ct, -n.rotAmt)
		if err != nil {
			return fmt.Errorf("%w: rotating replication source: %v", params.ErrBackend, err)
		}
		n.shifts[1] = rotated
	} else {
		rotations := make([]int, n.numReplicas-1)
		for i := 1; i < n.numReplicas; i++ {
			rotations[i-1] = -i * n.rotAmt
		}
		hoisted, err := n.ctx.Evaluator.RotateHoistedNew(ct, rotations)
		if err != nil {
			return fmt.Errorf("%w: hoisted-rotating replication source: %v", params.ErrBackend, err)
		}
		for i := 1; i < n.numReplicas; i++ {
			n.shifts[i] = hoisted[-i*n.rotAmt]
		}
	}
	n.current = 0
	return nil
}

// init installs ct (pulled through the whole parent chain first, if any)
// and returns the first replica.
func (n *node) init(ct *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	if n.parent == nil {
		if err := n.installSource(ct); err != nil {
			return nil, err
		}
	} else {
		parentOut, err := n.parent.init(ct)
		if err != nil {
			return nil, err
		}
		if err := n.installSource(parentOut); err != nil {
			return nil, err
		}
	}
	return n.nextReplica()
}

// nextReplica returns the next replicated ciphertext, pulling a fresh
// source from the parent (or signaling end-of-stream with a nil
// ciphertext) once the current source has been fully consumed.
func (n *node) nextReplica() (*rlwe.Ciphertext, error) {
	if n.current == n.numReplicas {
		if n.parent == nil {
			return nil, nil
		}
		next, err := n.parent.nextReplica()
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		if err := n.installSource(next); err != nil {
			return nil, err
		}
	}
	acc, err := n.ctx.Evaluator.MulNew(n.shifts[0], n.masks[n.current])
	if err != nil {
		return nil, fmt.Errorf("%w: masking replication shift: %v", params.ErrBackend, err)
	}
	for i := 1; i < n.numReplicas; i++ {
		tmp, err := n.ctx.Evaluator.MulNew(n.shifts[i], n.masks[(i+n.current)%n.numReplicas])
		if err != nil {
			return nil, fmt.Errorf("%w: masking replication shift: %v", params.ErrBackend, err)
		}
		if err := n.ctx.Evaluator.Add(acc, tmp, acc); err != nil {
			return nil, fmt.Errorf("%w: accumulating replication shift: %v", params.ErrBackend, err)
		}
	}
	n.current++
	return acc, nil
}

// Replicator is a depth-first, single-replica-at-a-time producer for a
// replication tree of the given shape. It corresponds to DFSSlotReplicator
// in the original: the caller calls Init once with the source ciphertext,
// then NextReplica repeatedly until it returns a nil ciphertext.
type Replicator struct {
	handle           *node
	nSlots           int
	patternLen       int
	inputReplication int
	degrees          []int
}

// New builds a Replicator whose tree has the given degrees, root first
// (degrees[0] is installed directly from the caller's ciphertext; the
// last entry is the leaf whose replicas are what NextReplica returns).
// inputReplication is the number of times the caller's input is already
// replicated within a single ciphertext (1 if not at all); nSlots must
// equal inputReplication times the product of degrees.
func New(ctx *hectx.Context, degrees []int, inputReplication int) (*Replicator, error) {
	if inputReplication < 1 {
		return nil, fmt.Errorf("%w: inputReplication must be >= 1, got %d", params.ErrPrecondition, inputReplication)
	}
	nSlots := 1 << ctx.Params.LogMaxSlots()
	if nSlots%inputReplication != 0 {
		return nil, fmt.Errorf("%w: inputReplication=%d does not divide nSlots=%d", params.ErrPrecondition, inputReplication, nSlots)
	}
	patternLen := nSlots / inputReplication
	product := 1
	for _, d := range degrees {
		if d < 2 {
			return nil, fmt.Errorf("%w: replication tree degree must be >= 2, got %d", params.ErrPrecondition, d)
		}
		product *= d
	}
	if product != patternLen {
		return nil, fmt.Errorf("%w: product of degrees %d does not equal nSlots/inputReplication %d", params.ErrPrecondition, product, patternLen)
	}

	rotAmt := patternLen
	var current *node
	for _, deg := range degrees {
		rotAmt /= deg
		n, err := newNode(ctx, current, deg, rotAmt)
		if err != nil {
			return nil, err
		}
		current = n
	}
	return &Replicator{
		handle:           current,
		nSlots:           nSlots,
		patternLen:       patternLen,
		inputReplication: inputReplication,
		degrees:          append([]int(nil), degrees...),
	}, nil
}

// Degrees returns the tree shape this Replicator was built with.
func (r *Replicator) Degrees() []int { return append([]int(nil), r.degrees...) }

// Init installs ct as the tree's source and returns the first replica.
func (r *Replicator) Init(ct *rlwe.Ciphertext) (*rlwe.Ciphertext, error) { return r.handle.init(ct) }

// NextReplica returns the next replica, or a nil ciphertext once the tree
// is exhausted.
func (r *Replicator) NextReplica() (*rlwe.Ciphertext, error) { return r.handle.nextReplica() }

// GetRotationAmounts returns the (negative) rotation amounts a key
// generator must produce Galois keys for to run a tree of this shape,
// matching DFSSlotReplicator::get_rotation_amounts.
func GetRotationAmounts(degrees []int) []int {
	rotAmt := 1
	for _, d := range degrees {
		rotAmt *= d
	}
	var out []int
	for _, deg := range degrees {
		rotAmt /= deg
		for i := 1; i < deg; i++ {
			out = append(out, -i*rotAmt)
		}
	}
	return out
}

// SuggestDegrees picks a reasonable tree shape for a desired number of
// replicated outputs, matching DFSSlotReplicator::suggest_degrees: a
// wide root (8, or 16 once more than 8*4 outputs are needed) followed by
// a degree-4 level if enough outputs remain, then all-2 levels. numOutputs
// must be a power of two.
func SuggestDegrees(numOutputs int) ([]int, error) {
	if numOutputs <= 0 || numOutputs&(numOutputs-1) != 0 {
		return nil, fmt.Errorf("%w: numOutputs must be a power of two, got %d", params.ErrPrecondition, numOutputs)
	}
	if numOutputs <= 8 {
		return []int{numOutputs}, nil
	}
	root := 8
	if numOutputs > 8*4 {
		root = 16
	}
	degrees := []int{root}
	remaining := numOutputs / root
	if remaining >= 4 {
		degrees = append(degrees, 4)
		remaining /= 4
	}
	for remaining > 1 {
		degrees = append(degrees, 2)
		remaining /= 2
	}
	return degrees, nil
}

// BatchReplicate drains a fresh Replicator of this shape fully into a
// slice, a convenience used by tooling that wants every replica at once
// rather than streaming them, matching DFSSlotReplicator::batch_replicate.
func BatchReplicate(ctx *hectx.Context, degrees []int, inputReplication int, ct *rlwe.Ciphertext) ([]*rlwe.Ciphertext, error) {
	r, err := New(ctx, degrees, inputReplication)
	if err != nil {
		return nil, err
	}
	expected := (1 << ctx.Params.LogMaxSlots()) / inputReplication
	out := make([]*rlwe.Ciphertext, 0, expected)
	replica, err := r.Init(ct)
	if err != nil {
		return nil, err
	}
	for replica != nil {
		out = append(out, replica)
		replica, err = r.NextReplica()
		if err != nil {
			return nil, err
		}
	}
	if len(out) != expected {
		return nil, fmt.Errorf("%w: batch_replicate produced %d replicas, expected %d", params.ErrPrecondition, len(out), expected)
	}
	return out, nil
}
