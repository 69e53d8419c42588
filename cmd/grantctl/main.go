// Command grantctl is the operator CLI for a grantflow server.
package main

import (
	"fmt"
	"os"

	"github.com/pitabwire/grantflow/cmd/grantctl/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
