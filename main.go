// Kestrel is an incremental discrete-event simulation kernel with a
// command-line front end for simulating YAML activity plans.
package main

import "github.com/skyhooklab/kestrel/cmd"

func main() {
	cmd.Execute()
}
