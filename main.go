package main

import "github.com/pilothouse-dev/pilothouse/cmd"

func main() {
	cmd.Execute()
}
