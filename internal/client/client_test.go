package client

import (
	"path/filepath"
	"testing"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"

	"github.com/fhe-benchmarking/fetch-by-similarity/internal/hectx"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/params"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/store"
)

func TestTransposeColumnMajorBatchesAndTransposes(t *testing.T) {
	mat := [][]float32{
		{1, 2},
		{3, 4},
		{5, 6},
		{7, 8},
		{9, 10},
	}
	out := transposeColumnMajor(mat, 2)
	if len(out) != 3 {
		t.Fatalf("got %d batches, want 3", len(out))
	}
	// batch 0 holds rows 0,1: column 0 is [1,3], column 1 is [2,4].
	if out[0][0][0] != 1 || out[0][0][1] != 3 {
		t.Errorf("batch 0 column 0 = %v, want [1 3]", out[0][0])
	}
	if out[0][1][0] != 2 || out[0][1][1] != 4 {
		t.Errorf("batch 0 column 1 = %v, want [2 4]", out[0][1])
	}
	// batch 2 holds only row 4, so its second slot is left at zero.
	if out[2][0][0] != 9 || out[2][0][1] != 0 {
		t.Errorf("batch 2 column 0 = %v, want [9 0]", out[2][0])
	}
}

func TestAddMarkersPrependsMarkerValue(t *testing.T) {
	payloads := [][]int16{{10, 20, 30}, {40, 50, 60}}
	out := addMarkers(payloads)
	wantMarker := int16(2 * params.MaxPayloadVal * params.PayloadPrecision)
	for i, rec := range out {
		if len(rec) != len(payloads[i])+1 {
			t.Fatalf("record %d has length %d, want %d", i, len(rec), len(payloads[i])+1)
		}
		if rec[0] != wantMarker {
			t.Errorf("record %d marker = %d, want %d", i, rec[0], wantMarker)
		}
		for j, v := range payloads[i] {
			if rec[j+1] != v {
				t.Errorf("record %d field %d = %d, want %d", i, j, rec[j+1], v)
			}
		}
	}
}

// TestDecodeResultsRecoversFieldsAcrossMarkerRotation builds a two-column
// matrix, each column with its own PayloadDim-row band and its own marker
// position, and checks decodeResults recovers the right field values in
// field order regardless of where the marker landed.
func TestDecodeResultsRecoversFieldsAcrossMarkerRotation(t *testing.T) {
	nCols := 2
	matrix := make([][]float64, params.PayloadDim)
	for i := range matrix {
		matrix[i] = make([]float64, nCols)
	}

	buildColumn := func(col, marker int, markerVal float64, fields []int16) {
		matrix[marker][col] = markerVal
		scale := (params.MaxPayloadVal * 2 * params.PayloadPrecision) / markerVal
		for k := 1; k < params.PayloadDim; k++ {
			idx := (marker + k) % params.PayloadDim
			matrix[idx][col] = float64(fields[k-1]) / scale
		}
	}

	fields0 := []int16{1, 2, 3, 4, 5, 6, 7}
	fields1 := []int16{11, 12, 13, 14, 15, 16, 17}
	buildColumn(0, 0, 600, fields0)
	buildColumn(1, 3, 700, fields1)

	slots := make([]float64, params.PayloadDim*nCols)
	for i := 0; i < params.PayloadDim; i++ {
		for j := 0; j < nCols; j++ {
			slots[i*nCols+j] = matrix[i][j]
		}
	}

	out, err := decodeResults(slots, nCols)
	if err != nil {
		t.Fatalf("decodeResults: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("decodeResults returned %d records, want 2", len(out))
	}
	checkRecord := func(got, want []int16) {
		if len(got) != len(want) {
			t.Fatalf("record length %d, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("record = %v, want %v", got, want)
				return
			}
		}
	}
	checkRecord(out[0], fields0)
	checkRecord(out[1], fields1)
}

func TestDecodeResultsSkipsEmptyBands(t *testing.T) {
	nCols := 1
	slots := make([]float64, params.PayloadDim)
	out, err := decodeResults(slots, nCols)
	if err != nil {
		t.Fatalf("decodeResults: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("decodeResults on an all-zero band returned %d records, want 0", len(out))
	}
}

func TestDecodeResultsFlagsWeakMarker(t *testing.T) {
	nCols := 1
	slots := make([]float64, params.PayloadDim)
	// Above MaxPayloadVal but below the anomalyMarkerRatio threshold: a
	// real marker would never land this low relative to its peers.
	slots[0] = params.MaxPayloadVal * 1.1
	if _, err := decodeResults(slots, nCols); err == nil {
		t.Error("expected decodeResults to flag a weak marker as an anomaly")
	}
}

// TestEncodeEncryptQueryThenDecryptDecode exercises the client's query
// path end to end against a toy CKKS context: write a synthetic
// query.bin, encode+encrypt it, decrypt+decode it back, and check the
// repeated record pattern comes back intact.
func TestEncodeEncryptQueryThenDecryptDecode(t *testing.T) {
	root := t.TempDir()
	prms, err := params.New(params.Toy, root)
	if err != nil {
		t.Fatalf("params.New: %v", err)
	}

	record := make([]float32, prms.RecordDim())
	for i := range record {
		record[i] = float32(i) * 0.5
	}
	if err := store.Write2Disk(filepath.Join(prms.DataDir(), "query.bin"), [][]float32{record}); err != nil {
		t.Fatalf("Write2Disk: %v", err)
	}

	ckksParams, err := hectx.NewParameters(params.Toy)
	if err != nil {
		t.Fatalf("NewParameters: %v", err)
	}
	kgen := rlwe.NewKeyGenerator(ckksParams)
	sk := kgen.GenSecretKeyNew()
	pk := kgen.GenPublicKeyNew(sk)
	ctx := hectx.NewContext(ckksParams, nil)

	if err := EncodeEncryptQuery(ctx, prms, pk); err != nil {
		t.Fatalf("EncodeEncryptQuery: %v", err)
	}

	// Stand in for the server's result: the query ciphertext itself,
	// copied to results.bin, so DecryptDecode has something to read.
	ct := new(rlwe.Ciphertext)
	if err := store.LoadBinary(filepath.Join(prms.EncDir(), "query.bin"), ct); err != nil {
		t.Fatalf("LoadBinary: %v", err)
	}
	if err := store.SaveBinary(filepath.Join(prms.EncDir(), "results.bin"), ct); err != nil {
		t.Fatalf("SaveBinary: %v", err)
	}

	if err := DecryptDecode(ctx, prms, sk); err != nil {
		t.Fatalf("DecryptDecode: %v", err)
	}

	rows, err := store.Read2Vecs[float64](filepath.Join(prms.IODir(), "raw-result.bin"), prms.NSlots())
	if err != nil {
		t.Fatalf("Read2Vecs: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	for i, v := range rows[0] {
		want := float64(record[i%prms.RecordDim()])
		if diff := v - want; diff > 1e-2 || diff < -1e-2 {
			t.Fatalf("slot %d = %v, want ~%v", i, v, want)
		}
	}
}
