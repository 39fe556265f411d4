package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/mjdrushton/potential-pro-fit-sub001/apps/pprofit/cmd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "pprofit crashed: %v\n", r)
			if os.Getenv("PPROFIT_DEBUG") != "" {
				debug.PrintStack()
			}
			os.Exit(2)
		}
	}()

	cmd.Execute()
}
