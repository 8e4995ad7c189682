package main

import (
	"os"
)

var exit = os.Exit

func main() {
	exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}
