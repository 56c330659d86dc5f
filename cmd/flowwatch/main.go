package main

import "flow-alerts/internal/cli"

func main() {
	cli.Execute()
}
