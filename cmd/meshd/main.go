package main

import "github.com/chatmesh/meshd/internal/cli"

func main() {
	cli.Execute()
}
