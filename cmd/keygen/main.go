// Command keygen builds a fresh key Bundle for one instance size and
// writes it under <root>/io/<size>/keys/, matching
// client_key_generation.cpp.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

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

	bundle, err := keys.Generate(size, prms)
	if err != nil {
		logger.Fatal(err)
	}
	if err := keys.Save(prms, bundle, kekPath); err != nil {
		logger.Fatal(err)
	}
	logger.Printf("wrote keys for instance size %s to %s", size, prms.KeyDir())
}
