package main

import "github.com/notargets/goadapt/cmd"

func main() {
	cmd.Execute()
}
