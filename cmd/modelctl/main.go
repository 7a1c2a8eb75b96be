package main

import (
	"fmt"
	"os"
)

func main() {
	root := buildRootCmdWith(&cliConfig{})
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
