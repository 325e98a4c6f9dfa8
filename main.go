package main

import "github.com/nextlevelbuilder/agentd/cmd"

func main() {
	cmd.Execute()
}
