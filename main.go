package main

import "github.com/agentic-research/cadlink/cmd"

func main() {
	cmd.Execute()
}
