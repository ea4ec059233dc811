package main

import "github.com/fredabila/orcbot-sub005/cmd"

func main() {
	cmd.Execute()
}
