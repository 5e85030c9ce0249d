package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	root := newRootCmd(version)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
