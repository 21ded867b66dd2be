package main

import (
	"github.com/luma/lodestar/cmd"
)

func main() {
	cmd.Execute()
}
