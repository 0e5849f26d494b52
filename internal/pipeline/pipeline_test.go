package pipeline

import (
	"fmt"
	"io"
	"log"
	"math"
	"path/filepath"
	"testing"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/fhe-benchmarking/fetch-by-similarity/internal/clock"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/hectx"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/params"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/replication"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/store"
)

func discardStopwatch() *clock.Stopwatch {
	return clock.New(log.New(io.Discard, "", 0))
}

// toySumsRotations mirrors internal/keys.totalSumsRotations, duplicated
// here because that function is unexported and cannot be called from this
// package's test fixture setup.
func toySumsRotations(nSlots, period int) []int {
	s := 0
	for (1 << s) < nSlots/period {
		s++
	}
	r := 0
	for (1 << r) < period {
		r++
	}
	out := make([]int, 0, s)
	for i := s - 1; i >= 0; i-- {
		out = append(out, 1<<(i+r))
	}
	return out
}

// toyPipelineFixture builds a toy-size Pipeline with every Galois key the
// matrix-vector product and the total-sums reduction need, plus matching
// encrypt/decrypt handles.
type toyPipelineFixture struct {
	p    *Pipeline
	prms params.InstanceParams
	enc  *rlwe.Encryptor
	dec  *rlwe.Decryptor
}

func newToyPipelineFixture(t *testing.T) *toyPipelineFixture {
	t.Helper()
	prms, err := params.New(params.Toy, t.TempDir())
	if err != nil {
		t.Fatalf("params.New: %v", err)
	}

	ckksParams, err := hectx.NewParameters(params.Toy)
	if err != nil {
		t.Fatalf("NewParameters: %v", err)
	}
	kgen := rlwe.NewKeyGenerator(ckksParams)
	sk := kgen.GenSecretKeyNew()
	pk := kgen.GenPublicKeyNew(sk)
	rlk := kgen.GenRelinearizationKeyNew(sk)

	seen := map[int]struct{}{}
	add := func(amts []int) {
		for _, a := range amts {
			seen[a] = struct{}{}
		}
	}
	add(replication.GetRotationAmounts(prms.Degrees()))
	nSlots := 1 << ckksParams.LogMaxSlots()
	period := prms.NCols() * params.PayloadDim
	add(toySumsRotations(nSlots, period))
	for i := 1; i < params.PayloadDim; i++ {
		add([]int{-i * prms.NCols()})
	}
	galAmts := make([]int, 0, len(seen))
	for a := range seen {
		galAmts = append(galAmts, a)
	}
	galEls := make([]uint64, len(galAmts))
	for i, a := range galAmts {
		galEls[i] = ckksParams.GaloisElement(a)
	}
	gks := kgen.GenGaloisKeysNew(galEls, sk)
	evk := rlwe.NewMemEvaluationKeySet(rlk, gks...)

	ctx := hectx.NewContext(ckksParams, evk)
	return &toyPipelineFixture{
		p:    New(ctx, prms, discardStopwatch()),
		prms: prms,
		enc:  rlwe.NewEncryptor(ckksParams, pk),
		dec:  rlwe.NewDecryptor(ckksParams, sk),
	}
}

func (f *toyPipelineFixture) encryptConstant(t *testing.T, value float64, level int) *rlwe.Ciphertext {
	t.Helper()
	nSlots := 1 << f.p.ctx.Params.LogMaxSlots()
	values := make([]float64, nSlots)
	for i := range values {
		values[i] = value
	}
	return f.encryptSlots(t, values, level)
}

func (f *toyPipelineFixture) encryptSlots(t *testing.T, values []float64, level int) *rlwe.Ciphertext {
	t.Helper()
	pt := ckks.NewPlaintext(f.p.ctx.Params, level)
	if err := f.p.ctx.Encoder.Encode(values, pt); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	ct, err := f.enc.EncryptNew(pt)
	if err != nil {
		t.Fatalf("EncryptNew: %v", err)
	}
	return ct
}

func (f *toyPipelineFixture) decrypt(t *testing.T, ct *rlwe.Ciphertext) []float64 {
	t.Helper()
	pt := f.dec.DecryptNew(ct)
	nSlots := 1 << f.p.ctx.Params.LogMaxSlots()
	out := make([]float64, nSlots)
	if err := f.p.ctx.Encoder.Decode(pt, out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return out
}

// TestMatVecMultSumsEveryRecordPosition builds a query replicating the
// pattern [1..RecordDim] and rows that are every one a constant 1, so the
// expected per-batch dot product is the plain sum 1+2+...+RecordDim in
// every slot.
func TestMatVecMultSumsEveryRecordPosition(t *testing.T) {
	f := newToyPipelineFixture(t)
	recordDim := f.prms.RecordDim()
	nSlots := 1 << f.p.ctx.Params.LogMaxSlots()

	pattern := make([]float64, recordDim)
	want := 0.0
	for k := range pattern {
		pattern[k] = float64(k + 1)
		want += pattern[k]
	}
	qrySlots := make([]float64, nSlots)
	for i := range qrySlots {
		qrySlots[i] = pattern[i%recordDim]
	}
	qry := f.encryptSlots(t, qrySlots, f.p.ctx.Params.MaxLevel())

	for batch := 0; batch < f.prms.NCtxts(); batch++ {
		for k := 0; k < recordDim; k++ {
			row := f.encryptConstant(t, 1.0, f.p.ctx.Params.MaxLevel())
			path := filepath.Join(f.prms.BatchDir(batch), fmt.Sprintf("row_%04d.bin", k))
			if err := store.SaveBinary(path, row); err != nil {
				t.Fatalf("SaveBinary: %v", err)
			}
		}
	}

	result, err := f.p.matVecMult(qry)
	if err != nil {
		t.Fatalf("matVecMult: %v", err)
	}
	if len(result) != f.prms.NCtxts() {
		t.Fatalf("matVecMult returned %d batches, want %d", len(result), f.prms.NCtxts())
	}
	for b, ct := range result {
		slots := f.decrypt(t, ct)
		for i, v := range slots {
			if math.Abs(v-want) > 1.0 {
				t.Fatalf("batch %d slot %d = %v, want ~%v", b, i, v, want)
			}
		}
	}
}

// TestTotalSums checks the rotate-and-add reduction against a plain
// cross-block sum over a manually constructed periodic pattern: every slot
// must hold the sum of the slots at the same offset in all blocks.
func TestTotalSums(t *testing.T) {
	f := newToyPipelineFixture(t)
	nSlots := 1 << f.p.ctx.Params.LogMaxSlots()
	period := f.prms.NCols() * params.PayloadDim
	nBlocks := nSlots / period

	values := make([]float64, nSlots)
	want := make([]float64, period)
	for b := 0; b < nBlocks; b++ {
		for i := 0; i < period; i++ {
			v := float64(i%5) + 1
			values[b*period+i] = v
			want[i] += v
		}
	}
	ct := f.encryptSlots(t, values, f.p.ctx.Params.MaxLevel())

	out, err := f.p.totalSums(ct, period)
	if err != nil {
		t.Fatalf("totalSums: %v", err)
	}
	slots := f.decrypt(t, out)
	for b := 0; b < nBlocks; b++ {
		for i := 0; i < period; i++ {
			got := slots[b*period+i]
			if math.Abs(got-want[i]) > 1.0 {
				t.Fatalf("block %d slot %d = %v, want ~%v", b, i, got, want[i])
			}
		}
	}
}

// TestRowBandMask checks that the mask for match index matchIdx is 1 only
// within its PayloadDim-row band and 0 elsewhere.
func TestRowBandMask(t *testing.T) {
	f := newToyPipelineFixture(t)
	nSlots := 1 << f.p.ctx.Params.LogMaxSlots()
	nCols := f.prms.NCols()
	matchIdx := 2

	pt, err := f.p.rowBandMask(matchIdx, f.p.ctx.Params.MaxLevel())
	if err != nil {
		t.Fatalf("rowBandMask: %v", err)
	}
	out := make([]float64, nSlots)
	if err := f.p.ctx.Encoder.Decode(pt, out); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	lo := matchIdx * params.PayloadDim
	hi := lo + params.PayloadDim
	for ell := 0; ell < nSlots; ell++ {
		row := ell / nCols
		want := 0.0
		if row >= lo && row < hi {
			want = 1.0
		}
		if math.Abs(out[ell]-want) > 1e-6 {
			t.Fatalf("slot %d (row %d) = %v, want %v", ell, row, out[ell], want)
		}
	}
}
