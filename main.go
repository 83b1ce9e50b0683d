// The main package for the progress-reconciler executable.
package main

import (
	"github.com/JakeFAU/progress-reconciler/cmd"
)

func main() {
	cmd.Execute()
}
