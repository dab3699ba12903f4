// The main package for the rlunch executable.
package main

import (
	"os"

	"github.com/oddlid/rlunch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	os.Exit(cmd.Execute())
}
