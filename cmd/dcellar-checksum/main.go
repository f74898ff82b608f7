package main

import "github.com/dcellar/dcellar-checksum/cli/cmd"

func main() {
	cmd.Execute()
}
