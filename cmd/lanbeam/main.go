package main

import (
	"github.com/lanbeam/lanbeam/internal/client/cmd"
)

func main() {
	cmd.Execute()
}
