package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vango-go/callmon/internal/dotenv"
)

func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "callmon: %v\n", err)
		return 1
	}

	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(stderr, "callmon: %v\n", err)
		}
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
