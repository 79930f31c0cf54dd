// Command herdtrail records, verifies and synchronizes livestock ownership
// transfers from a device that is often offline.
package main

import (
	"context"
	"os"

	"github.com/roach88/herdtrail/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
