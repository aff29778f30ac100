// Frederica is a WeCom chat-bot gateway: it receives messages through the
// WeCom callback protocol, batches each user's rapid-fire messages into a
// single turn, and answers through an LLM backend.
package main

import (
	"fmt"
	"os"

	"github.com/fredericabot/frederica/cmd/frederica/commands"
)

// version is set via -ldflags at build time.
var version = "dev"

func main() {
	if err := commands.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
