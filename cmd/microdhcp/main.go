package main

import (
	"github.com/metal-stack/microdhcp/microdhcp/cli"
)

func main() {
	cli.CLI()
}
