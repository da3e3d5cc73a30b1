// The main package for the agendad executable.
package main

import (
	"github.com/ajslaghu/open-agenda-api/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
