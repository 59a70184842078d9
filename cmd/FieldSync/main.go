// Command fieldsync runs the FieldSync offline sync daemon and its maintenance commands.
package main

import (
	"os"

	"github.com/BTreeMap/FieldSync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
