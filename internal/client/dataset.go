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

// transposeColumnMajor batches mat's rows nSlots at a time and transposes
// each batch into column-major form, matching utils.h's transpose_matrix:
// the result is indexed [batch][column][slotWithinBatch].
func transposeColumnMajor[T int16 | float32](mat [][]T, nSlots int) [][][]float64 {
	if len(mat) == 0 {
		return nil
	}
	recordDim := len(mat[0])
	nBatches := (len(mat) + nSlots - 1) / nSlots
	out := make([][][]float64, nBatches)
	for b := range out {
		out[b] = make([][]float64, recordDim)
		for c := range out[b] {
			out[b][c] = make([]float64, nSlots)
		}
	}
	for idx, row := range mat {
		b := idx / nSlots
		k := idx % nSlots
		for c, v := range row {
			out[b][c][k] = float64(v)
		}
	}
	return out
}

// addMarkers prepends 2*MaxPayloadVal*PayloadPrecision to every payload
// record, matching add_markers: the server's S4 loop locates this marker
// in the decrypted output to recover which slot in the payload band holds
// which field.
func addMarkers(payloads [][]int16) [][]int16 {
	marker := int16(2 * params.MaxPayloadVal * params.PayloadPrecision)
	out := make([][]int16, len(payloads))
	for i, p := range payloads {
		rec := make([]int16, len(p)+1)
		rec[0] = marker
		copy(rec[1:], p)
		out[i] = rec
	}
	return out
}

func encryptBatchVector(ctx *hectx.Context, pk *rlwe.PublicKey, vec []float64, level int) (*rlwe.Ciphertext, error) {
	pt := ckks.NewPlaintext(ctx.Params, level)
	if err := ctx.Encoder.Encode(vec, pt); err != nil {
		return nil, fmt.Errorf("%w: encoding batch vector: %v", params.ErrBackend, err)
	}
	enc := rlwe.NewEncryptor(ctx.Params, pk)
	ct, err := enc.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypting batch vector: %v", params.ErrBackend, err)
	}
	return ct, nil
}

// EncodeEncryptDataset reads datasets/<size>/db.bin and payloads.bin,
// transposes both into column-major batches, prepends the payload marker,
// and encrypts every column under pk: dataset rows at EncryptionLevel1
// (since they are only ever multiplied against the replicated query, not
// rescaled further) and payload columns at PayloadLevel, matching
// client_encode_encrypt_db.cpp.
func EncodeEncryptDataset(ctx *hectx.Context, prms params.InstanceParams, pk *rlwe.PublicKey) error {
	db, err := store.Read2Vecs[float32](filepath.Join(prms.DataDir(), "db.bin"), prms.RecordDim())
	if err != nil {
		return err
	}
	if len(db) != prms.DbSize() {
		return fmt.Errorf("%w: db.bin holds %d records, expected %d", params.ErrPrecondition, len(db), prms.DbSize())
	}
	dataset := transposeColumnMajor(db, prms.NSlots())
	if len(dataset) != prms.NCtxts() {
		return fmt.Errorf("%w: db.bin transposed into %d batches, expected %d", params.ErrPrecondition, len(dataset), prms.NCtxts())
	}

	payloadsRaw, err := store.Read2Vecs[int16](filepath.Join(prms.DataDir(), "payloads.bin"), params.PayloadDim-1)
	if err != nil {
		return err
	}
	if len(payloadsRaw) != len(db) {
		return fmt.Errorf("%w: payloads.bin holds %d records, expected %d", params.ErrPrecondition, len(payloadsRaw), len(db))
	}
	marked := addMarkers(payloadsRaw)
	payloads := transposeColumnMajor(marked, prms.NSlots())
	for _, batch := range payloads {
		for _, col := range batch {
			for i, v := range col {
				col[i] = v / params.PayloadPrecision
			}
		}
	}

	encryptionLevel1 := prms.EncryptionLevel1()
	encryptionLevel2 := prms.PayloadLevel()

	for i := 0; i < prms.NCtxts(); i++ {
		dir := prms.BatchDir(i)
		for j := 0; j < prms.RecordDim(); j++ {
			ct, err := encryptBatchVector(ctx, pk, dataset[i][j], encryptionLevel1)
			if err != nil {
				return fmt.Errorf("%w: encrypting row %d of batch %d: %v", params.ErrBackend, j, i, err)
			}
			if err := store.SaveBinary(filepath.Join(dir, fmt.Sprintf("row_%04d.bin", j)), ct); err != nil {
				return err
			}
		}
		for j := 0; j < params.PayloadDim; j++ {
			ct, err := encryptBatchVector(ctx, pk, payloads[i][j], encryptionLevel2)
			if err != nil {
				return fmt.Errorf("%w: encrypting payload column %d of batch %d: %v", params.ErrBackend, j, i, err)
			}
			if err := store.SaveBinary(filepath.Join(dir, fmt.Sprintf("payload_%04d.bin", j)), ct); err != nil {
				return err
			}
		}
	}
	return nil
}
