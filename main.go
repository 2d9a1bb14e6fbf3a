package main

import "perp-executor/internal/cli"

func main() {
	cli.Execute()
}
