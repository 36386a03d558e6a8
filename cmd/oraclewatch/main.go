package main

import (
	"oracle-integrity-watch/internal/cli"
)

func main() {
	cli.Execute()
}
