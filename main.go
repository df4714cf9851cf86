package main

import "github.com/assischat/assischat/cmd"

func main() {
	cmd.Execute()
}
