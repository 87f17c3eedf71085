package main

import "github.com/josephlewis42/tsh/cmd"

func main() {
	cmd.Execute()
}
