package main

import "github.com/vietddude/distributor/internal/cli"

func main() {
	cli.Execute()
}
