package main

import "github.com/nextlevelbuilder/hookup/cmd"

func main() {
	cmd.Execute()
}
