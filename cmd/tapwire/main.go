// tapwire is an interactive man-in-the-middle proxy for the Model
// Context Protocol.
package main

import "github.com/tapwire/tapwire/cmd/tapwire/cmd"

func main() {
	cmd.Execute()
}
