package main

import "github.com/orchard-sh/orchard/cmd/orchard/cmd"

func main() {
	cmd.Execute()
}
