package main

import "github.com/ramiqadoumi/go-fit-flow/services/fitflow/cli"

func main() {
	cli.Execute()
}
