package main

import "github.com/kaylacar/agent-door/cmd/agent-door/cmd"

func main() {
	cmd.Execute()
}
