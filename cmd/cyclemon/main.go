// Command cyclemon runs the machine cycle monitor and its companion
// tooling (test events, status, counter resets, configuration).
package main

import (
	"os"

	"github.com/fstre/cyclemon/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
