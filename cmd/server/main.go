// Command server runs the encrypted compute pipeline against the query
// and dataset batches written by encrypt-query/encrypt-db, matching
// server_encrypted_compute.cpp's main.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"

	"github.com/fhe-benchmarking/fetch-by-similarity/internal/clock"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/hectx"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/keys"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/params"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/pipeline"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/store"
)

func main() {
	root := flag.String("root", ".", "directory containing io/ and datasets/")
	countOnly := flag.Bool("count_only", false, "report only the number of matches, skipping payload extraction")
	flag.Parse()

	logger := log.New(os.Stderr, "", 0)
	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [--root dir] [--count_only] instance-size\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "  Instance-size: 0-TOY, 1-SMALL, 2-MEDIUM, 3-LARGE")
		os.Exit(0)
	}
	size, err := params.ParseInstanceSize(flag.Arg(0))
	if err != nil {
		logger.Fatal(err)
	}
	prms, err := params.New(size, *root)
	if err != nil {
		logger.Fatal(err)
	}

	sw := clock.New(logger)

	ckksParams, err := hectx.NewParameters(size)
	if err != nil {
		logger.Fatal(err)
	}
	evk, err := keys.LoadEvaluationKeySet(prms)
	if err != nil {
		logger.Fatal(err)
	}
	sw.Step(0, "loading keys")

	ctx := hectx.NewContext(ckksParams, evk)

	qry := new(rlwe.Ciphertext)
	if err := store.LoadBinary(filepath.Join(prms.EncDir(), "query.bin"), qry); err != nil {
		logger.Fatal(err)
	}

	p := pipeline.New(ctx, prms, sw)
	result, err := p.Run(qry, *countOnly)
	if err != nil {
		logger.Fatal(err)
	}

	if err := store.SaveBinary(filepath.Join(prms.EncDir(), "results.bin"), result); err != nil {
		logger.Fatal(err)
	}
}
