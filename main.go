// The main package for the fetchengine executable.
package main

import (
	"github.com/JakeFAU/browser-fetch-engine/cmd"
)

func main() {
	cmd.Execute()
}
