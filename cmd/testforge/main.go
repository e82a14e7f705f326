// Command testforge is the command-line client: submit a function for test
// synthesis and execution, or drive a session frame-by-frame for scripting.
package main

import "github.com/kestrelrun/testforge/internal/cli"

func main() {
	cli.Execute()
}
