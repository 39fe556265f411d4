package runner_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/gateway"
)

// TestMain lets the test binary act as the worker subprocess started by
// gateway.Local.
func TestMain(m *testing.M) {
	if os.Getenv(gateway.WorkerEnv) == "1" {
		if err := gateway.ServeStdio(context.Background()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}
