package cmds

import (
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds/middlewares"
	"github.com/spf13/cobra"
)

// glazedMiddlewares parses the structured-output commands from their cobra
// flags and arguments only. Settings shared with the other commands still
// come from viper through loadSettings.
func glazedMiddlewares(
	_ *cli.GlazedCommandSettings,
	cmd *cobra.Command,
	args []string,
) ([]middlewares.Middleware, error) {
	return []middlewares.Middleware{
		middlewares.ParseFromCobraCommand(cmd),
		middlewares.GatherArguments(args),
		middlewares.SetFromDefaults(),
	}, nil
}
