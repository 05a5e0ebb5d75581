package main

import "cryptotracker/internal/cli"

func main() {
	cli.Execute()
}
