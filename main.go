// The main package for the agenda-crawler executable.
package main

import (
	"github.com/JakeFAU/agenda-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
