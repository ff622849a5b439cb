package main

import "thoreinstein.com/yard/cmd"

func main() {
	cmd.Execute()
}
