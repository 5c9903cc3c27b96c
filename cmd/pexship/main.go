// Command pexship builds and publishes pex bundles for code locations.
package main

import "github.com/papapumpkin/pexship/cmd"

func main() {
	cmd.Execute()
}
