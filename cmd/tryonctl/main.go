package main

import "github.com/ineyio/tryonbroker/internal/cli"

func main() {
	cli.Execute()
}
