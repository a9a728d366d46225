package main

import "github.com/nextlevelbuilder/daymon/cmd"

func main() {
	cmd.Execute()
}
