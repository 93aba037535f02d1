package cmds

import (
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatty/pkg/config"
)

// buildGlazedCommand turns a listing command into a cobra command. Glazed handles the output
// flags (--output, --fields, ...); the root command still loads the chatty configuration
// before it runs.
func buildGlazedCommand(c cmds.GlazeCommand) *cobra.Command {
	cmd, err := cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(listingMiddlewares))
	cobra.CheckErr(err)
	return cmd
}

func listingMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv(config.EnvPrefix,
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}
