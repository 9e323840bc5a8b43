package main

import "github.com/downpour/downpour/internal/cli"

func main() {
	cli.Execute()
}
