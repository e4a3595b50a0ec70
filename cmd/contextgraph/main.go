package main

import (
	"os"

	"github.com/malbeclabs/contextgraph/internal/cli"
)

func main() {
	os.Exit(int(cli.Run()))
}
