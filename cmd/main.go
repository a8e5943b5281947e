package main

import "github.com/canopy-network/hotshot/cmd/cli"

func main() {
	cli.Execute()
}
