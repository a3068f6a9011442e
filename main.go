package main

import "github.com/powerlab/protorec/cmd"

func main() {
	cmd.Execute()
}
