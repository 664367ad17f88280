package main

import (
	"os"

	"github.com/brasilintel/newsmatch/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
