// Command artemis runs the pipeline recovery supervisor and inspects its
// persisted state, workflows and stage plans.
package main

import (
	"context"
	"os"
)

// Version is set via ldflags during build.
var Version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
