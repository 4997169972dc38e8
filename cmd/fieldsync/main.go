// Command fieldsync runs the offline-first sync core and its local API.
package main

import (
	"fmt"
	"os"

	"github.com/kimhsiao/fieldsync/internal/cli"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return cli.NewRootCmd(cli.NewApp()).Execute()
}
