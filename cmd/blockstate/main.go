// Command blockstate manages causally ordered, content-addressed node
// state stored in a local SQLite database.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/roach88/blockstate/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
