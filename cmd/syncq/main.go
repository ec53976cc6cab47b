package main

import (
	"github.com/haivt/syncq/internal/cli"
)

func main() {
	cli.Execute()
}
