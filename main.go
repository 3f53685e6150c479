package main

import (
	"os"

	"github.com/tapevault/tapevault/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
