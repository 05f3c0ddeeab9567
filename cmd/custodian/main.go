package main

import "compliance-custody/internal/cli"

func main() {
	cli.Execute()
}
