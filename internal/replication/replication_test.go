package replication

import (
	"math"
	"testing"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/fhe-benchmarking/fetch-by-similarity/internal/hectx"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/params"
)

func TestGetRotationAmounts(t *testing.T) {
	got := GetRotationAmounts([]int{8, 4, 4})
	want := map[int]bool{}
	for _, amt := range []int{-16, -32, -48, -64, -80, -96, -112, -4, -8, -12, -1, -2, -3} {
		want[amt] = true
	}
	if len(got) != len(want) {
		t.Fatalf("GetRotationAmounts returned %d amounts, want %d", len(got), len(want))
	}
	for _, amt := range got {
		if !want[amt] {
			t.Errorf("unexpected rotation amount %d", amt)
		}
	}
}

func TestSuggestDegrees(t *testing.T) {
	cases := []int{1, 8, 32, 128}
	for _, numOutputs := range cases {
		got, err := SuggestDegrees(numOutputs)
		if err != nil {
			t.Fatalf("SuggestDegrees(%d): %v", numOutputs, err)
		}
		product := 1
		for _, d := range got {
			product *= d
		}
		if product != numOutputs {
			t.Errorf("SuggestDegrees(%d) = %v, product %d != %d", numOutputs, got, product, numOutputs)
		}
	}
	if _, err := SuggestDegrees(3); err == nil {
		t.Error("SuggestDegrees(3) should fail: not a power of two")
	}
}

// toyFixture builds a usable toy-size CKKS context with fresh keys, for
// tests that need to actually encrypt/decrypt.
type toyFixture struct {
	ctx *hectx.Context
	enc *rlwe.Encryptor
	dec *rlwe.Decryptor
}

func newToyFixture(t *testing.T, degrees []int) *toyFixture {
	t.Helper()
	ckksParams, err := hectx.NewParameters(params.Toy)
	if err != nil {
		t.Fatalf("NewParameters: %v", err)
	}
	kgen := rlwe.NewKeyGenerator(ckksParams)
	sk := kgen.GenSecretKeyNew()
	pk := kgen.GenPublicKeyNew(sk)
	rlk := kgen.GenRelinearizationKeyNew(sk)

	rotAmts := GetRotationAmounts(degrees)
	galEls := make([]uint64, len(rotAmts))
	for i, k := range rotAmts {
		galEls[i] = ckksParams.GaloisElement(k)
	}
	gks := kgen.GenGaloisKeysNew(galEls, sk)
	evk := rlwe.NewMemEvaluationKeySet(rlk, gks...)

	return &toyFixture{
		ctx: hectx.NewContext(ckksParams, evk),
		enc: rlwe.NewEncryptor(ckksParams, pk),
		dec: rlwe.NewDecryptor(ckksParams, sk),
	}
}

func (f *toyFixture) encrypt(t *testing.T, values []float64) *rlwe.Ciphertext {
	t.Helper()
	pt := ckks.NewPlaintext(f.ctx.Params, f.ctx.Params.MaxLevel())
	if err := f.ctx.Encoder.Encode(values, pt); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	ct, err := f.enc.EncryptNew(pt)
	if err != nil {
		t.Fatalf("EncryptNew: %v", err)
	}
	return ct
}

func (f *toyFixture) decrypt(t *testing.T, ct *rlwe.Ciphertext) []float64 {
	t.Helper()
	pt := f.dec.DecryptNew(ct)
	out := make([]float64, 1<<f.ctx.Params.LogMaxSlots())
	if err := f.ctx.Encoder.Decode(pt, out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return out
}

// TestBatchReplicateBroadcastsEachRecordPosition builds a toy context
// whose record pattern (length patternLen) is replicated inputReplication
// times across the slots, as the server pipeline's query ciphertext is,
// and checks that the k-th replica out of BatchReplicate broadcasts the
// k-th record position to every slot.
func TestBatchReplicateBroadcastsEachRecordPosition(t *testing.T) {
	degrees := []int{2, 2}
	patternLen := 4
	f := newToyFixture(t, degrees)
	nSlots := 1 << f.ctx.Params.LogMaxSlots()
	inputReplication := nSlots / patternLen

	pattern := []float64{0.1, 0.2, 0.3, 0.4}
	values := make([]float64, nSlots)
	for i := range values {
		values[i] = pattern[i%patternLen]
	}
	ct := f.encrypt(t, values)

	replicas, err := BatchReplicate(f.ctx, degrees, inputReplication, ct)
	if err != nil {
		t.Fatalf("BatchReplicate: %v", err)
	}
	if len(replicas) != patternLen {
		t.Fatalf("BatchReplicate returned %d replicas, want %d", len(replicas), patternLen)
	}
	for k, replica := range replicas {
		slots := f.decrypt(t, replica)
		for i, v := range slots {
			if math.Abs(v-pattern[k]) > 1e-4 {
				t.Fatalf("replica %d slot %d = %v, want %v", k, i, v, pattern[k])
			}
		}
	}
}
