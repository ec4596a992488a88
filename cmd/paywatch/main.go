package main

import "github.com/aaronromeo/paywatch/internal/cli"

func main() {
	cli.Execute()
}
