// gocsma runs CSMA/LPL MAC simulations and inspects MAC frames.
package main

import "github.com/dantte-lp/gocsma/cmd/gocsma/commands"

func main() {
	commands.Execute()
}
