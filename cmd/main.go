package main

import (
	"os"

	"transcodeq/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
