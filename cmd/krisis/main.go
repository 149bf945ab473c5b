// cmd/krisis/main.go
package main

import (
	cmd "github.com/mwiater/krisis/internal/commands"
)

// main starts the krisis CLI application by delegating to the cobra root
// command defined in the commands package. It does not take any arguments
// and does not return a value.
func main() {
	cmd.Execute()
}
