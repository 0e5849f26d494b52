package keys

import (
	"fmt"
	"os"
	"path/filepath"

	ifparams "github.com/fhe-benchmarking/fetch-by-similarity/internal/params"
)

func readAll(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func writeAll(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("%w: creating directory for %s: %v", ifparams.ErrIO, path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ifparams.ErrIO, path, err)
	}
	return nil
}
