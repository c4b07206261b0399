package main

import "portbroker/internal/cli"

func main() {
	cli.Execute()
}
