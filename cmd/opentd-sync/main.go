// Command opentd-sync reads and writes saved game values from a terminal,
// using the same storage modes as the game client.
package main

import (
	"os"

	"github.com/maruel/subcommands"
)

func application() *subcommands.DefaultApplication {
	return &subcommands.DefaultApplication{
		Name:  "opentd-sync",
		Title: "Reads and writes OpenTD saves locally or through the storage API.",
		Commands: []*subcommands.Command{
			cmdSave(),
			cmdLoad(),
			cmdKeys(),
			cmdClear(),
			cmdConfig(),
			subcommands.CmdHelp,
		},
	}
}

func main() {
	os.Exit(subcommands.Run(application(), nil))
}
