package client

import (
	"path/filepath"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"

	"github.com/fhe-benchmarking/fetch-by-similarity/internal/hectx"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/params"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/store"
)

// DecryptDecode reads io/<size>/encrypted/results.bin, decrypts it under
// sk, decodes it to real-packed slot values, and writes the raw slots to
// io/<size>/raw-result.bin, matching client_decrypt_decode.cpp.
func DecryptDecode(ctx *hectx.Context, prms params.InstanceParams, sk *rlwe.SecretKey) error {
	ct := new(rlwe.Ciphertext)
	if err := store.LoadBinary(filepath.Join(prms.EncDir(), "results.bin"), ct); err != nil {
		return err
	}
	dec := rlwe.NewDecryptor(ctx.Params, sk)
	pt := dec.DecryptNew(ct)

	slots := make([]float64, prms.NSlots())
	if err := ctx.Encoder.Decode(pt, slots); err != nil {
		return err
	}
	return store.Write2Disk(filepath.Join(prms.IODir(), "raw-result.bin"), [][]float64{slots})
}
