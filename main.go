package main

import "github.com/esm-dev/devserver/cli"

func main() {
	cli.Run()
}
