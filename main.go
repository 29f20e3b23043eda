// The main package for the url-crawler executable.
package main

import (
	"github.com/JakeFAU/url-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
