package main

import (
	"log"

	"trellis-signer/cmd/trellis-signer/cli"
)

func main() {
	log.SetFlags(0)

	if err := cli.New().Execute(); err != nil {
		log.Fatalf("error during command execution: %v", err)
	}
}
