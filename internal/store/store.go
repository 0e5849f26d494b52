// Package store is this repository's on-disk I/O layer: binary
// serialization of ciphertexts and keys via lattigo's io.WriterTo/
// io.ReaderFrom implementations, plus the flat-binary dataset readers and
// writers of utils.h's read2vecs/write2disk. Every path this package
// touches follows the io/<size>/{keys,encrypted} and datasets/<size>
// layout.
package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fhe-benchmarking/fetch-by-similarity/internal/params"
)

// SaveBinary writes obj's WriteTo output to path, creating any missing
// parent directories, matching Serial::SerializeToFile's usage throughout
// the original client/server binaries.
func SaveBinary(path string, obj io.WriterTo) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: creating directory for %s: %v", params.ErrIO, path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", params.ErrIO, path, err)
	}
	defer f.Close()
	if _, err := obj.WriteTo(f); err != nil {
		return fmt.Errorf("%w: writing %s: %v", params.ErrIO, path, err)
	}
	return nil
}

// LoadBinary reads path into obj via its ReadFrom method, matching
// Serial::DeserializeFromFile.
func LoadBinary(path string, obj io.ReaderFrom) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", params.ErrIO, path, err)
	}
	defer f.Close()
	if _, err := obj.ReadFrom(f); err != nil {
		return fmt.Errorf("%w: reading %s: %v", params.ErrIO, path, err)
	}
	return nil
}

// byteMarshaler is the subset of encoding.BinaryMarshaler/BinaryUnmarshaler
// that types without a WriteTo/ReadFrom pair implement, notably
// rlwe.MemEvaluationKeySet.
type byteMarshaler interface {
	MarshalBinary() ([]byte, error)
}

type byteUnmarshaler interface {
	UnmarshalBinary([]byte) error
}

// SaveMarshaled writes obj's MarshalBinary output to path, the
// MarshalBinary-only counterpart to SaveBinary.
func SaveMarshaled(path string, obj byteMarshaler) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: creating directory for %s: %v", params.ErrIO, path, err)
	}
	data, err := obj.MarshalBinary()
	if err != nil {
		return fmt.Errorf("%w: marshaling %s: %v", params.ErrIO, path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing %s: %v", params.ErrIO, path, err)
	}
	return nil
}

// LoadMarshaled reads path into obj via its UnmarshalBinary method, the
// UnmarshalBinary-only counterpart to LoadBinary.
func LoadMarshaled(path string, obj byteUnmarshaler) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", params.ErrIO, path, err)
	}
	if err := obj.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("%w: unmarshaling %s: %v", params.ErrIO, path, err)
	}
	return nil
}

// Read2Vecs reads a flat binary file of fixed-size T values into records
// of recordDim values each, matching utils.h's read2vecs: the number of
// records is derived from the file size, with no length header.
func Read2Vecs[T any](path string, recordDim int) ([][]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", params.ErrIO, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: statting %s: %v", params.ErrIO, path, err)
	}

	var zero T
	elemSize := binary.Size(zero)
	if elemSize <= 0 {
		return nil, fmt.Errorf("%w: type is not fixed-size binary data", params.ErrPrecondition)
	}
	recordBytes := recordDim * elemSize
	if recordBytes <= 0 || info.Size()%int64(recordBytes) != 0 {
		return nil, fmt.Errorf("%w: %s size %d is not a multiple of record size %d", params.ErrPrecondition, path, info.Size(), recordBytes)
	}
	nRecords := int(info.Size() / int64(recordBytes))

	out := make([][]T, nRecords)
	for i := range out {
		row := make([]T, recordDim)
		if err := binary.Read(f, binary.LittleEndian, row); err != nil {
			return nil, fmt.Errorf("%w: reading record %d of %s: %v", params.ErrIO, i, path, err)
		}
		out[i] = row
	}
	return out, nil
}

// Write2Disk writes vecs to a flat binary file, the inverse of
// Read2Vecs, matching utils.h's write2disk.
func Write2Disk[T any](path string, vecs [][]T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: creating directory for %s: %v", params.ErrIO, path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", params.ErrIO, path, err)
	}
	defer f.Close()
	for i, v := range vecs {
		if err := binary.Write(f, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("%w: writing record %d of %s: %v", params.ErrIO, i, path, err)
		}
	}
	return nil
}
