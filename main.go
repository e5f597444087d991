package main

import (
	"github.com/ljdmx/SilentLink/cmd"
)

func main() {
	cmd.Execute()
}
