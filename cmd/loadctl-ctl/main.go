package main

import (
	"os"

	"github.com/malbeclabs/loadctl/internal/clictl"
)

func main() {
	os.Exit(int(clictl.Run()))
}
