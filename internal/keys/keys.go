// Package keys is the client-side key-generation collaborator: it builds
// the secret/public/relinearization/Galois keys the rest of the system
// needs and writes them under io/<size>/keys/, matching
// client_key_generation.cpp's key_gen. The set of rotations requested for
// Galois-key generation is the union of every rotation amount the
// replication tree, the payload-shift loop, the running-sums plan, and
// the column total-sums reduction will ever ask for, exactly
// vector_union(all_shifts) in the original.
package keys

import (
	"crypto/rand"
	"fmt"
	"io"
	"sort"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"crypto/sha256"

	"github.com/fhe-benchmarking/fetch-by-similarity/internal/hectx"
	ifparams "github.com/fhe-benchmarking/fetch-by-similarity/internal/params"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/replication"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/runningsums"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/store"
)

// Bundle holds every key this system needs, fresh out of generation.
type Bundle struct {
	Params ckks.Parameters
	Sk     *rlwe.SecretKey
	Pk     *rlwe.PublicKey
	Evk    *rlwe.MemEvaluationKeySet // relinearization key + every Galois key
}

// RotationAmounts computes the union of every rotation amount the server
// pipeline will need Galois keys for: the replication tree (S1), the
// payload-shift accumulation loop (S4), the running-sums plan (S3), and
// the column total-sums reduction (S4's replication step).
func RotationAmounts(prms ifparams.InstanceParams) []int {
	seen := map[int]struct{}{}
	add := func(amts []int) {
		for _, a := range amts {
			seen[a] = struct{}{}
		}
	}
	add(replication.GetRotationAmounts(prms.Degrees()))

	payloadShifts := make([]int, 0, ifparams.PayloadDim-1)
	for i := 1; i < ifparams.PayloadDim; i++ {
		payloadShifts = append(payloadShifts, -i*prms.NCols())
	}
	add(payloadShifts)

	add(runningsums.ShiftAmounts(prms.NSlots(), prms.NCols(), ifparams.RunningSumLevels))
	add(totalSumsRotations(prms.NSlots(), prms.NCols()*ifparams.PayloadDim))

	out := make([]int, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Ints(out)
	return out
}

// totalSumsRotations returns the rotation amounts the column total-sums
// reduction (internal/pipeline's totalSums) needs, matching the
// rot_amount = 1<<(i+r) sequence in server_encrypted_compute.cpp's
// total_sums.
func totalSumsRotations(nSlots, period int) []int {
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

// Generate builds a fresh key Bundle for the given instance size.
func Generate(size ifparams.InstanceSize, prms ifparams.InstanceParams) (*Bundle, error) {
	ckksParams, err := hectx.NewParameters(size)
	if err != nil {
		return nil, err
	}
	kgen := rlwe.NewKeyGenerator(ckksParams)
	sk := kgen.GenSecretKeyNew()
	pk := kgen.GenPublicKeyNew(sk)
	rlk := kgen.GenRelinearizationKeyNew(sk)

	rotAmts := RotationAmounts(prms)
	galEls := make([]uint64, len(rotAmts))
	for i, k := range rotAmts {
		galEls[i] = ckksParams.GaloisElement(k)
	}
	gks := kgen.GenGaloisKeysNew(galEls, sk)

	evk := rlwe.NewMemEvaluationKeySet(rlk, gks...)
	return &Bundle{Params: ckksParams, Sk: sk, Pk: pk, Evk: evk}, nil
}

// Save writes the bundle to prms.KeyDir(): pk.bin, sk.bin (sealed at
// rest, see SaveSecretKey) and evk.bin. The original's cc.bin has no
// counterpart here since ckks.Parameters are fully determined by the
// instance size and are rebuilt from hectx.NewParameters rather than
// serialized; the mk.bin/rk.bin split has no counterpart either, since
// lattigo bundles the relinearization key and every Galois key into one
// rlwe.EvaluationKeySet object, serialized here as evk.bin. Both
// resolutions are recorded in DESIGN.md.
func Save(prms ifparams.InstanceParams, b *Bundle, kekPath string) error {
	dir := prms.KeyDir()
	if err := store.SaveMarshaled(dir+"/pk.bin", b.Pk); err != nil {
		return err
	}
	if err := SaveSecretKey(dir+"/sk.bin", b.Sk, kekPath); err != nil {
		return err
	}
	if err := store.SaveMarshaled(dir+"/evk.bin", b.Evk); err != nil {
		return err
	}
	return nil
}

// LoadPublicKey loads pk.bin for client-side encryption.
func LoadPublicKey(prms ifparams.InstanceParams) (*rlwe.PublicKey, error) {
	pk := new(rlwe.PublicKey)
	if err := store.LoadMarshaled(prms.KeyDir()+"/pk.bin", pk); err != nil {
		return nil, err
	}
	return pk, nil
}

// LoadEvaluationKeySet loads evk.bin for server-side homomorphic
// evaluation.
func LoadEvaluationKeySet(prms ifparams.InstanceParams) (*rlwe.MemEvaluationKeySet, error) {
	evk := rlwe.NewMemEvaluationKeySet(nil)
	if err := store.LoadMarshaled(prms.KeyDir()+"/evk.bin", evk); err != nil {
		return nil, err
	}
	return evk, nil
}

// LoadSecretKey loads sk.bin for client-side decryption, unsealing it
// with the key-encryption key at kekPath.
func LoadSecretKey(prms ifparams.InstanceParams, kekPath string) (*rlwe.SecretKey, error) {
	return loadSecretKey(prms.KeyDir()+"/sk.bin", kekPath)
}

// --- at-rest sealing of the secret key -------------------------------
//
// spec.md's Non-goals exclude protection against a malicious server, but
// say nothing about a filesystem-level leak of sk.bin on the client host.
// The original writes the secret key in the clear; this port seals it
// with ChaCha20-Poly1305, keyed by HKDF-SHA256 over a locally generated,
// separately stored key-encryption key, the same HKDF-then-AEAD shape as
// the teacher's transport_ops.go ECIES layer without the ECDH step (there
// is no second party to agree a key with here).

const hkdfInfo = "fetch-by-similarity/sk-seal/v1"

func loadOrCreateKEK(path string) ([]byte, error) {
	kek := make([]byte, chacha20poly1305.KeySize)
	if existing, err := readAll(path); err == nil && len(existing) == chacha20poly1305.KeySize {
		return existing, nil
	}
	if _, err := rand.Read(kek); err != nil {
		return nil, fmt.Errorf("%w: generating key-encryption key: %v", ifparams.ErrBackend, err)
	}
	if err := writeAll(path, kek); err != nil {
		return nil, err
	}
	return kek, nil
}

func deriveSealKey(kek []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, kek, nil, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("%w: deriving secret-key seal: %v", ifparams.ErrBackend, err)
	}
	return key, nil
}

// SaveSecretKey seals sk with the key-encryption key at kekPath (created
// if it does not already exist) and writes the sealed bytes to path.
func SaveSecretKey(path string, sk *rlwe.SecretKey, kekPath string) error {
	skBytes, err := sk.MarshalBinary()
	if err != nil {
		return fmt.Errorf("%w: marshaling secret key: %v", ifparams.ErrBackend, err)
	}
	kek, err := loadOrCreateKEK(kekPath)
	if err != nil {
		return err
	}
	sealKey, err := deriveSealKey(kek)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.New(sealKey)
	if err != nil {
		return fmt.Errorf("%w: building secret-key AEAD: %v", ifparams.ErrBackend, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("%w: generating secret-key seal nonce: %v", ifparams.ErrBackend, err)
	}
	sealed := aead.Seal(nonce, nonce, skBytes, nil)
	return writeAll(path, sealed)
}

func loadSecretKey(path, kekPath string) (*rlwe.SecretKey, error) {
	sealed, err := readAll(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ifparams.ErrIO, path, err)
	}
	kek, err := readAll(kekPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading key-encryption key %s: %v", ifparams.ErrIO, kekPath, err)
	}
	sealKey, err := deriveSealKey(kek)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(sealKey)
	if err != nil {
		return nil, fmt.Errorf("%w: building secret-key AEAD: %v", ifparams.ErrBackend, err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: sealed secret key %s is truncated", ifparams.ErrDecodedAnomaly, path)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	skBytes, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unsealing secret key %s: %v", ifparams.ErrDecodedAnomaly, path, err)
	}
	sk := new(rlwe.SecretKey)
	if err := sk.UnmarshalBinary(skBytes); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling secret key: %v", ifparams.ErrBackend, err)
	}
	return sk, nil
}
