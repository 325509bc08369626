package main

import (
	"log"

	"github.com/austindbirch/harbor_relay/cmd/harborctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
