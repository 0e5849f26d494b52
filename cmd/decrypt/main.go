// Command decrypt decrypts and decodes the server's answer, then
// post-processes it into the final set of matched records, matching
// client_decrypt_decode.cpp and client_postprocess.cpp.
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
	kek := flag.String("kek", "", "path to the key-encryption key sealing sk.bin (default: <root>/io/<size>/keys/kek.bin)")
	flag.Parse()

	logger := log.New(os.Stderr, "", 0)
	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [--root dir] [--kek path] instance-size\n", os.Args[0])
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
	kekPath := *kek
	if kekPath == "" {
		kekPath = prms.KeyDir() + "/kek.bin"
	}

	ckksParams, err := hectx.NewParameters(size)
	if err != nil {
		logger.Fatal(err)
	}
	sk, err := keys.LoadSecretKey(prms, kekPath)
	if err != nil {
		logger.Fatal(err)
	}
	ctx := hectx.NewContext(ckksParams, nil)

	if err := client.DecryptDecode(ctx, prms, sk); err != nil {
		logger.Fatal(err)
	}
	records, err := client.Postprocess(prms)
	if err != nil {
		logger.Fatal(err)
	}
	logger.Printf("decoded %d matched record(s) for instance size %s", len(records), size)
}
