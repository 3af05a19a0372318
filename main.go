package main

import "github.com/isometry/authsourced/internal/command"

func main() {
	command.Execute()
}
