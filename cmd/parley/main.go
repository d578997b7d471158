package main

import "Parley/internal/cli"

func main() {
	cli.Execute()
}
