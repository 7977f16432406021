// The main package for the linkscope executable.
package main

import (
	"github.com/JakeFAU/linkscope/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
