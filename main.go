package main

import "scene-forge/cmd"

func main() {
	cmd.Execute()
}
