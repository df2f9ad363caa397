package main

import (
	"os"

	"netqual/internal/cli"
)

func main() {
	os.Exit(int(cli.Run()))
}
