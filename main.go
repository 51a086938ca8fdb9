package main

import "github.com/sonhoai27/localsend/cmd"

func main() {
	cmd.Execute()
}
