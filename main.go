package main

import "songflow/cmd"

func main() {
	cmd.Run()
}
