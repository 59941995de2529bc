package main

import (
	"os"

	"github.com/X2k16/tracking-firmware/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
