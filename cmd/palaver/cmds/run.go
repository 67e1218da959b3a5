package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/palaver/pkg/events"
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/inference/session"
	"github.com/go-go-golems/palaver/pkg/interaction"
	"github.com/go-go-golems/palaver/pkg/settings"
)

type runFlags struct {
	historyFlags
	stream bool
}

func NewRunCommand() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Send one message and run the conversation until it is stable",
		Long:  "Send one message and run the conversation until it is stable. Without arguments the prompt is read from stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := promptFrom(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return f.run(cmd.Context(), cmd.OutOrStdout(), prompt)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&f.stream, "stream", false, "Stream the answer as it is produced")
	return cmd
}

// NewStreamCommand is run with --stream always on.
func NewStreamCommand() *cobra.Command {
	f := &runFlags{stream: true}
	cmd := &cobra.Command{
		Use:   "stream [prompt...]",
		Short: "Send one message and stream the answer as it is produced",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := promptFrom(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return f.run(cmd.Context(), cmd.OutOrStdout(), prompt)
		},
	}
	f.register(cmd)
	return cmd
}

func promptFrom(args []string, in io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", errors.Wrap(err, "could not read prompt")
	}
	prompt := strings.TrimSpace(string(b))
	if prompt == "" {
		return "", errors.New("empty prompt")
	}
	return prompt, nil
}

func (f *runFlags) run(ctx context.Context, w io.Writer, prompt string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := loadSettings()
	if err != nil {
		return err
	}
	if s.Stream.Enabled {
		f.stream = true
	}
	body, err := f.body(s)
	if err != nil {
		return err
	}
	sess, err := newSession(s, body)
	if err != nil {
		return err
	}
	ctx, stop := interruptible(ctx, sess)
	defer stop()

	sess.AddUserMessage(prompt)
	opts := settings.RunOptions(s)

	var ret *engine.Return
	if f.stream {
		ret = streamTo(ctx, w, sess, opts, settings.StreamingOptions(s))
	} else {
		err = withPrinter(ctx, w, s, func(ctx context.Context, o events.Observer) error {
			ret = sess.RunToStableResult(events.WithObserver(ctx, o), opts)
			return nil
		})
		if err != nil {
			return err
		}
	}

	if err := f.save(sess); err != nil {
		return err
	}
	printUsage(ret)
	return returnError(ret)
}

// streamTo prints the text deltas of a streamed run as they arrive and
// describes tool activity on its own lines. It returns the last Return.
func streamTo(ctx context.Context, w io.Writer, sess *session.Session, opts session.RunOptions, sopts engine.StreamingOptions) *engine.Return {
	var last *engine.Return
	atLineStart := true
	for ret := range sess.Stream(ctx, opts, sopts) {
		last = ret
		if ret.Status != engine.StatusStreaming {
			for _, it := range ret.Interactions() {
				if it.Kind() == interaction.KindToolResult {
					_, _ = fmt.Fprintf(w, "\n%s\n", interaction.Describe(it))
					atLineStart = true
				}
			}
			continue
		}
		for _, it := range ret.Interactions() {
			switch v := it.(type) {
			case interaction.Text:
				_, _ = io.WriteString(w, v.Content)
				atLineStart = strings.HasSuffix(v.Content, "\n")
			case interaction.ToolCall:
				_, _ = fmt.Fprintf(w, "\n%s\n", interaction.Describe(v))
				atLineStart = true
			}
		}
	}
	if !atLineStart {
		_, _ = io.WriteString(w, "\n")
	}
	return last
}

func printUsage(ret *engine.Return) {
	if ret == nil || ret.Metrics.TotalTokens == 0 {
		return
	}
	estimated := ""
	if ret.Metrics.Estimated {
		estimated = " (estimated)"
	}
	_, _ = fmt.Fprintf(os.Stderr, "tokens: %d in, %d out%s, %s\n",
		ret.Metrics.InputTokens, ret.Metrics.OutputTokens, estimated, ret.Metrics.Duration.Round(time.Millisecond))
}
