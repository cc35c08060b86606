package main

import "deepresearch/internal/cli"

func main() {
	cli.Execute()
}
