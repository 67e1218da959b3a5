package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-go-golems/clay/pkg/filefilter"
	"github.com/go-go-golems/clay/pkg/filewalker"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	glazedsettings "github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/palaver/pkg/helpers"
	"github.com/go-go-golems/palaver/pkg/interaction/serde"
)

func NewTokensCommand() *cobra.Command {
	var historyIn string
	cmd := &cobra.Command{
		Use:   "tokens [file]",
		Short: "Estimate the token count of a text or of a saved conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			model := s.ResolvedModel()

			if historyIn != "" {
				body, err := serde.LoadYAML(historyIn)
				if err != nil {
					return err
				}
				m := helpers.EstimateMetrics(model, body.ProviderInteractions(), nil)
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d tokens in %d interactions (%s)\n", m.InputTokens, body.Len(), model)
				return nil
			}

			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return errors.Wrapf(err, "could not open %s", args[0])
				}
				defer func() {
					_ = f.Close()
				}()
				in = f
			}
			b, err := io.ReadAll(in)
			if err != nil {
				return errors.Wrap(err, "could not read input")
			}
			n, err := helpers.EstimateTokens(model, string(b))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d tokens (%s)\n", n, model)
			return nil
		},
	}
	cmd.Flags().StringVar(&historyIn, "history-in", "", "Count a YAML history file instead")

	filesCmd, err := NewTokenFilesCommand()
	cobra.CheckErr(err)
	filesCobraCmd, err := cli.BuildCobraCommandFromGlazeCommand(filesCmd,
		cli.WithCobraMiddlewaresFunc(glazedMiddlewares),
	)
	cobra.CheckErr(err)
	cmd.AddCommand(filesCobraCmd)
	return cmd
}

// TokenFilesCommand estimates the tokens of every file under a set of
// paths, so a user can judge what fits in a model's context.
type TokenFilesCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &TokenFilesCommand{}

type TokenFilesSettings struct {
	Paths []string `glazed.parameter:"paths"`
}

func NewTokenFilesCommand() (*TokenFilesCommand, error) {
	glazedParameterLayer, err := glazedsettings.NewGlazedParameterLayers()
	if err != nil {
		return nil, errors.Wrap(err, "could not create glazed parameter layer")
	}
	fileFilterLayer, err := filefilter.NewFileFilterParameterLayer()
	if err != nil {
		return nil, errors.Wrap(err, "could not create file filter parameter layer")
	}
	return &TokenFilesCommand{
		CommandDescription: cmds.NewCommandDescription(
			"files",
			cmds.WithShort("Estimate the token count of files and directories"),
			cmds.WithArguments(
				parameters.NewParameterDefinition(
					"paths",
					parameters.ParameterTypeStringList,
					parameters.WithHelp("Paths to count"),
					parameters.WithDefault([]string{"."}),
				),
			),
			cmds.WithLayersList(glazedParameterLayer, fileFilterLayer),
		),
	}, nil
}

func (c *TokenFilesCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *layers.ParsedLayers,
	gp middlewares.Processor,
) error {
	s := &TokenFilesSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return err
	}
	if len(s.Paths) == 0 {
		s.Paths = []string{"."}
	}
	layer, ok := parsedLayers.Get(filefilter.FileFilterSlug)
	if !ok {
		return errors.New("file filter layer not found")
	}
	ff, err := filefilter.CreateFileFilterFromSettings(layer)
	if err != nil {
		return errors.Wrap(err, "could not create file filter")
	}

	ps, err := loadSettings()
	if err != nil {
		return err
	}
	counts, err := countFiles(ps.ResolvedModel(), s.Paths, ff)
	if err != nil {
		return err
	}

	var total fileCount
	for _, fc := range counts {
		total.Tokens += fc.Tokens
		total.Lines += fc.Lines
		total.Bytes += fc.Bytes
		if err := gp.AddRow(ctx, fc.row()); err != nil {
			return err
		}
	}
	total.Path = "total"
	return gp.AddRow(ctx, total.row())
}

type fileCount struct {
	Path   string
	Tokens int
	Lines  int
	Bytes  int
}

func (fc fileCount) row() types.Row {
	return types.NewRow(
		types.MRP("path", fc.Path),
		types.MRP("tokens", fc.Tokens),
		types.MRP("lines", fc.Lines),
		types.MRP("bytes", fc.Bytes),
	)
}

// countFiles walks paths and estimates the tokens of each file ff lets
// through, in walk order.
func countFiles(model string, paths []string, ff *filefilter.FileFilter) ([]fileCount, error) {
	var walker *filewalker.Walker
	var err error
	if ff != nil {
		walker, err = filewalker.NewWalker(filewalker.WithPaths(paths), filewalker.WithFilter(ff.FilterNode))
	} else {
		walker, err = filewalker.NewWalker(filewalker.WithPaths(paths))
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not create file walker")
	}

	var out []fileCount
	preVisit := func(w *filewalker.Walker, node *filewalker.Node) error {
		if node.Type != filewalker.FileNode {
			return nil
		}
		content, err := os.ReadFile(node.Path)
		if err != nil {
			return errors.Wrapf(err, "could not read %s", node.Path)
		}
		n, err := helpers.EstimateTokens(model, string(content))
		if err != nil {
			return err
		}
		out = append(out, fileCount{
			Path:   node.Path,
			Tokens: n,
			Lines:  strings.Count(string(content), "\n") + 1,
			Bytes:  len(content),
		})
		return nil
	}
	if err := walker.Walk(paths, preVisit, nil); err != nil {
		return nil, errors.Wrap(err, "could not walk files")
	}
	return out, nil
}
