// Package client is the client-side collaborator: encoding and
// encrypting the query vector and the dataset (client_encode_encrypt_*.cpp),
// and decrypting and post-processing the server's answer
// (client_decrypt_decode.cpp, client_postprocess.cpp).
package client

import (
	"fmt"
	"path/filepath"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/fhe-benchmarking/fetch-by-similarity/internal/hectx"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/params"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/store"
)

// EncodeEncryptQuery reads datasets/<size>/query.bin (one RecordDim-wide
// record), repeats it to fill every slot, encrypts it at the top level
// under pk, and writes the result to io/<size>/encrypted/query.bin,
// matching client_encode_encrypt_query.cpp.
func EncodeEncryptQuery(ctx *hectx.Context, prms params.InstanceParams, pk *rlwe.PublicKey) error {
	rows, err := store.Read2Vecs[float32](filepath.Join(prms.DataDir(), "query.bin"), prms.RecordDim())
	if err != nil {
		return err
	}
	if len(rows) != 1 {
		return fmt.Errorf("%w: query.bin must hold exactly one record, got %d", params.ErrPrecondition, len(rows))
	}
	qry := rows[0]

	nSlots := prms.NSlots()
	slots := make([]float64, nSlots)
	for i := 0; i < nSlots; i++ {
		slots[i] = float64(qry[i%prms.RecordDim()])
	}

	pt := ckks.NewPlaintext(ctx.Params, ctx.Params.MaxLevel())
	if err := ctx.Encoder.Encode(slots, pt); err != nil {
		return fmt.Errorf("%w: encoding query: %v", params.ErrBackend, err)
	}
	enc := rlwe.NewEncryptor(ctx.Params, pk)
	ct, err := enc.EncryptNew(pt)
	if err != nil {
		return fmt.Errorf("%w: encrypting query: %v", params.ErrBackend, err)
	}
	return store.SaveBinary(filepath.Join(prms.EncDir(), "query.bin"), ct)
}
