package keys

import (
	"path/filepath"
	"testing"

	"github.com/fhe-benchmarking/fetch-by-similarity/internal/params"
)

func toyInstanceParams(t *testing.T) params.InstanceParams {
	t.Helper()
	prms, err := params.New(params.Toy, t.TempDir())
	if err != nil {
		t.Fatalf("params.New: %v", err)
	}
	return prms
}

func TestRotationAmountsIsDeduplicatedAndSorted(t *testing.T) {
	prms := toyInstanceParams(t)
	amts := RotationAmounts(prms)
	seen := map[int]bool{}
	for i, a := range amts {
		if seen[a] {
			t.Fatalf("RotationAmounts contains duplicate amount %d", a)
		}
		seen[a] = true
		if i > 0 && amts[i-1] > a {
			t.Fatalf("RotationAmounts is not sorted: %d before %d", amts[i-1], a)
		}
	}
	if len(amts) == 0 {
		t.Fatal("RotationAmounts returned nothing")
	}
}

func TestTotalSumsRotationsCoversFullReduction(t *testing.T) {
	amts := totalSumsRotations(512, 32)
	// 512/32 = 16 = 1<<4, so the reduction needs 4 rotation steps.
	if len(amts) != 4 {
		t.Fatalf("totalSumsRotations(512, 32) = %v, want 4 amounts", amts)
	}
	want := map[int]bool{256: true, 128: true, 64: true, 32: true}
	for _, a := range amts {
		if !want[a] {
			t.Errorf("unexpected rotation amount %d", a)
		}
	}
}

func TestGenerateAndSaveLoadRoundTrip(t *testing.T) {
	prms := toyInstanceParams(t)
	bundle, err := Generate(params.Toy, prms)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	kekPath := filepath.Join(t.TempDir(), "kek.bin")
	if err := Save(prms, bundle, kekPath); err != nil {
		t.Fatalf("Save: %v", err)
	}

	pk, err := LoadPublicKey(prms)
	if err != nil {
		t.Fatalf("LoadPublicKey: %v", err)
	}
	wantPk, err := bundle.Pk.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	gotPk, err := pk.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary (loaded): %v", err)
	}
	if string(gotPk) != string(wantPk) {
		t.Error("loaded public key does not match the generated one")
	}

	evk, err := LoadEvaluationKeySet(prms)
	if err != nil {
		t.Fatalf("LoadEvaluationKeySet: %v", err)
	}
	if evk == nil {
		t.Fatal("LoadEvaluationKeySet returned nil")
	}

	sk, err := LoadSecretKey(prms, kekPath)
	if err != nil {
		t.Fatalf("LoadSecretKey: %v", err)
	}
	wantSk, err := bundle.Sk.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary (sk): %v", err)
	}
	gotSk, err := sk.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary (loaded sk): %v", err)
	}
	if string(gotSk) != string(wantSk) {
		t.Error("loaded secret key does not match the generated one")
	}
}

func TestLoadSecretKeyFailsWithWrongKEK(t *testing.T) {
	prms := toyInstanceParams(t)
	bundle, err := Generate(params.Toy, prms)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	kekPath := filepath.Join(t.TempDir(), "kek.bin")
	if err := Save(prms, bundle, kekPath); err != nil {
		t.Fatalf("Save: %v", err)
	}

	wrongKEK := filepath.Join(t.TempDir(), "other-kek.bin")
	if _, err := LoadSecretKey(prms, wrongKEK); err == nil {
		t.Error("expected LoadSecretKey to fail when the key-encryption key does not match")
	}
}
