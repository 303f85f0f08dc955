package main

import "github.com/nextlevelbuilder/agora/cmd"

func main() {
	cmd.Execute()
}
