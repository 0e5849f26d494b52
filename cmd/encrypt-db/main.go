// Command encrypt-db encodes and encrypts datasets/<size>/db.bin and
// payloads.bin into the batch layout the server pipeline reads from,
// matching client_encode_encrypt_db.cpp.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/fhe-benchmarking/fetch-by-similarity/internal/client"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/hectx"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/keys"
	"github.com/fhe-benchmarking/fetch-by-similarity/internal/params"
)

func main() {
	root := flag.String("root", ".", "directory containing io/ and datasets/")
	flag.Parse()

	logger := log.New(os.Stderr, "", 0)
	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [--root dir] instance-size\n", os.Args[0])
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

	ckksParams, err := hectx.NewParameters(size)
	if err != nil {
		logger.Fatal(err)
	}
	pk, err := keys.LoadPublicKey(prms)
	if err != nil {
		logger.Fatal(err)
	}
	ctx := hectx.NewContext(ckksParams, nil)

	if err := client.EncodeEncryptDataset(ctx, prms, pk); err != nil {
		logger.Fatal(err)
	}
	logger.Printf("wrote %d encrypted batches for instance size %s to %s", prms.NCtxts(), size, prms.EncDir())
}
