package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	glazedsettings "github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/mb0/glob"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/palaver/pkg/inference/tools"
	"github.com/go-go-golems/palaver/pkg/interaction"
	"github.com/go-go-golems/palaver/pkg/settings"
)

func NewToolsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and call the builtin tools",
	}
	listCmd, err := NewToolsListCommand()
	cobra.CheckErr(err)
	listCobraCmd, err := cli.BuildCobraCommandFromGlazeCommand(listCmd,
		cli.WithCobraMiddlewaresFunc(glazedMiddlewares),
	)
	cobra.CheckErr(err)
	cmd.AddCommand(listCobraCmd, newToolsCallCommand())
	return cmd
}

type ToolsListCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &ToolsListCommand{}

type ToolsListSettings struct {
	Name           string `glazed.parameter:"name"`
	Category       string `glazed.parameter:"category"`
	WithParameters bool   `glazed.parameter:"with-parameters"`
}

func NewToolsListCommand() (*ToolsListCommand, error) {
	glazedParameterLayer, err := glazedsettings.NewGlazedParameterLayers()
	if err != nil {
		return nil, errors.Wrap(err, "could not create glazed parameter layer")
	}
	return &ToolsListCommand{
		CommandDescription: cmds.NewCommandDescription(
			"list",
			cmds.WithShort("List the tools offered to the model"),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"name",
					parameters.ParameterTypeString,
					parameters.WithHelp("glob to match tool names"),
				),
				parameters.NewParameterDefinition(
					"category",
					parameters.ParameterTypeString,
					parameters.WithHelp("glob to match tool categories"),
				),
				parameters.NewParameterDefinition(
					"with-parameters",
					parameters.ParameterTypeBool,
					parameters.WithHelp("Include the parameter schemas"),
					parameters.WithDefault(false),
				),
			),
			cmds.WithLayersList(glazedParameterLayer),
		),
	}, nil
}

func (c *ToolsListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *layers.ParsedLayers,
	gp middlewares.Processor,
) error {
	s := &ToolsListSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return err
	}

	m := newToolManager()
	m.Discover(ctx)
	entries, err := listTools(m, s)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fields := []types.MapRowPair{
			types.MRP("name", e.Name),
			types.MRP("category", e.Category),
			types.MRP("description", e.Description),
		}
		if s.WithParameters {
			fields = append(fields, types.MRP("parameters", e.Parameters))
		}
		if err := gp.AddRow(ctx, types.NewRow(fields...)); err != nil {
			return err
		}
	}
	return nil
}

type toolEntry struct {
	Name        string
	Description string
	Category    string
	Parameters  map[string]any
}

// listTools returns the registered tools matching the name and category
// globs, sorted by name.
func listTools(m *tools.Manager, s *ToolsListSettings) ([]toolEntry, error) {
	var out []toolEntry
	for _, name := range m.SortedNames() {
		t, ok := m.Tool(name)
		if !ok {
			continue
		}
		if s.Name != "" {
			matching, err := glob.Match(s.Name, t.Name)
			if err != nil {
				return nil, errors.Wrapf(err, "bad name glob %q", s.Name)
			}
			if !matching {
				continue
			}
		}
		if s.Category != "" {
			matching, err := glob.Match(s.Category, t.Category)
			if err != nil {
				return nil, errors.Wrapf(err, "bad category glob %q", s.Category)
			}
			if !matching {
				continue
			}
		}

		e := toolEntry{Name: t.Name, Description: t.Description, Category: t.Category}
		if s.WithParameters && t.Parameters != nil {
			b, err := json.Marshal(t.Parameters)
			if err != nil {
				return nil, errors.Wrapf(err, "could not encode schema of %s", t.Name)
			}
			if err := json.Unmarshal(b, &e.Parameters); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func newToolsCallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "call <name> [json-arguments]",
		Short: "Validate and execute one tool call",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var arguments map[string]any
			if len(args) == 2 && strings.TrimSpace(args[1]) != "" {
				if err := json.Unmarshal([]byte(args[1]), &arguments); err != nil {
					return errors.Wrap(err, "arguments must be a JSON object")
				}
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			m := newToolManager()
			m.Discover(ctx)

			s, err := loadSettings()
			if err != nil {
				return err
			}
			vctx := tools.ValidationContext{
				Provider: s.Provider,
				Model:    s.ResolvedModel(),
				Resolver: settings.CapabilityResolver(s),
			}
			call := interaction.NewToolCall("cli", args[0], arguments)
			ret := m.ExecuteTool(ctx, call, vctx)
			for _, it := range ret.Interactions() {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), interaction.Describe(it))
			}
			return returnError(ret)
		},
	}
}
