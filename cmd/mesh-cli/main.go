// mesh-cli is an operator client for a running meshd layer.
package main

import (
	"fmt"
	"os"

	"github.com/Klingon-tech/klingmesh/cmd/mesh-cli/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
