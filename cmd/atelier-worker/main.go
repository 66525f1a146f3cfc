// Command atelier-worker is the worker session entrypoint: one invocation
// drives one worker through the epic -> changeset -> pull-request
// lifecycle described by internal/worker.
package main

import (
	"os"

	"github.com/shaug/atelier-sub000/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
