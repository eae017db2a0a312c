package main

import (
	"github.com/DataDog/zklock/cmd/zklock/commands"
)

func main() {
	commands.Execute()
}
