package main

import "github.com/codexdist/rcpsync/cmd"

func main() {
	cmd.Execute()
}
