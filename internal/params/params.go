// Package params holds the per-instance-size constants and derived
// dimensions that every other package in this repository is parameterized
// on. It mirrors params.h of the original submission: an InstanceSize
// selects a row of a small constants table, and the rest of the package
// derives slot/batch/column counts from the CKKS ring dimension.
package params

import (
	"fmt"
	"path/filepath"
)

// InstanceSize selects one of the four fixed benchmark configurations.
type InstanceSize int

const (
	Toy InstanceSize = iota
	Small
	Medium
	Large
)

var sizeNames = [...]string{"toy", "small", "medium", "large"}

func (s InstanceSize) String() string {
	if s < Toy || s > Large {
		return fmt.Sprintf("InstanceSize(%d)", int(s))
	}
	return sizeNames[s]
}

// ParseInstanceSize accepts the digits 0-3, matching the CLI surface of
// every cmd/ binary.
func ParseInstanceSize(s string) (InstanceSize, error) {
	switch s {
	case "0":
		return Toy, nil
	case "1":
		return Small, nil
	case "2":
		return Medium, nil
	case "3":
		return Large, nil
	default:
		return 0, fmt.Errorf("%w: instance size must be one of 0,1,2,3, got %q", ErrPrecondition, s)
	}
}

// Record-level constants shared by every instance size.
const (
	RunningSumLevels  = 3
	MaxPayloadVal     = 256
	PayloadPrecision  = 16
	PayloadDim        = 8
	payloadLevel      = 20 // level at which encrypted payload columns are stored
	compareThreshold  = 0.8
)

// InstanceParams is the fully-derived parameter set for one instance size:
// the fixed table row from params.h plus the slot/batch arithmetic that
// depends only on the ring dimension and record dimension.
type InstanceParams struct {
	size       InstanceSize
	root       string
	recordDim  int
	dbSize     int
	ringDim    int
	degrees    []int
}

var recordDims = [...]int{128, 128, 256, 512}
var dbSizes = [...]int{1000, 50000, 1000000, 20000000}

// New builds the InstanceParams for the given size, rooted at root (the
// directory that contains io/ and datasets/).
func New(size InstanceSize, root string) (InstanceParams, error) {
	if size < Toy || size > Large {
		return InstanceParams{}, fmt.Errorf("%w: invalid instance size %d", ErrPrecondition, size)
	}
	ringDim := 65536
	if size == Toy {
		ringDim = 1024
	}
	var degrees []int
	switch size {
	case Large:
		degrees = []int{16, 8, 4}
	case Medium:
		degrees = []int{8, 8, 4}
	default:
		degrees = []int{8, 4, 4}
	}
	return InstanceParams{
		size:      size,
		root:      root,
		recordDim: recordDims[size],
		dbSize:    dbSizes[size],
		ringDim:   ringDim,
		degrees:   degrees,
	}, nil
}

func (p InstanceParams) Size() InstanceSize   { return p.size }
func (p InstanceParams) RecordDim() int       { return p.recordDim }
func (p InstanceParams) DbSize() int          { return p.dbSize }
func (p InstanceParams) RingDim() int         { return p.ringDim }
func (p InstanceParams) Degrees() []int       { return append([]int(nil), p.degrees...) }
func (p InstanceParams) CompareThreshold() float64 { return compareThreshold }
func (p InstanceParams) PayloadLevel() int    { return payloadLevel }

// NSlots is the number of CKKS plaintext slots in one ciphertext: half the
// ring dimension for the standard (non-conjugate-invariant) ring.
func (p InstanceParams) NSlots() int { return p.ringDim / 2 }

// NCtxts is the number of batches B needed to hold the whole database,
// each batch occupying one ciphertext's worth of slots per column.
func (p InstanceParams) NCtxts() int {
	n := p.NSlots()
	return (p.dbSize + n - 1) / n
}

// NCols is the number of virtual matrix columns C packed into one
// ciphertext: ring_dim / 128, independent of record dimension.
func (p InstanceParams) NCols() int { return p.ringDim / 128 }

// MaxNMatch is the maximum number of matches the server pipeline can
// report per query: 64 slots of payload room divided by PayloadDim.
func (p InstanceParams) MaxNMatch() int { return 64 / PayloadDim }

// EncryptionLevel1 is the level at which dataset-row ciphertexts are
// encrypted: they are only ever multiplied by replicated query
// ciphertexts, so encrypting them below the replication tree's depth
// wastes no usable levels.
func (p InstanceParams) EncryptionLevel1() int { return len(p.degrees) - 1 }

func (p InstanceParams) RootDir() string { return p.root }
func (p InstanceParams) IODir() string   { return filepath.Join(p.root, "io", p.size.String()) }
func (p InstanceParams) KeyDir() string  { return filepath.Join(p.IODir(), "keys") }
func (p InstanceParams) EncDir() string  { return filepath.Join(p.IODir(), "encrypted") }
func (p InstanceParams) DataDir() string { return filepath.Join(p.root, "datasets", p.size.String()) }

func (p InstanceParams) BatchDir(batch int) string {
	return filepath.Join(p.EncDir(), fmt.Sprintf("batch%04d", batch))
}
