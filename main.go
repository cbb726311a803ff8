package main

import "github.com/tracebus/tracebus/pkg/cmd"

func main() {
	cmd.Execute()
}
