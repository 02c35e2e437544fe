// Command broker-server runs the Agent Desktop Broker.
package main

import (
	"fmt"
	"os"

	"github.com/deskagent/broker/cmd/broker-server/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
