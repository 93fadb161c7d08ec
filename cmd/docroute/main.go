package main

import "github.com/nimburion/docroute/pkg/cli"

func main() {
	cli.Execute(cli.NewRootCommand(cli.Options{
		Name:        "docroute",
		Description: "Partition-aware query routing and request-unit accounting for document collections",
	}))
}
