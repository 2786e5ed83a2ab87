package main

import "github.com/code-sleuth/ragledger/cmd"

func main() {
	cmd.Execute()
}
