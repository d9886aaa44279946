package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tulkenz-ims/be-ops-approvals/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
