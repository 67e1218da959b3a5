package cmds

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"

	"github.com/go-go-golems/palaver/pkg/events"
	"github.com/go-go-golems/palaver/pkg/inference/session"
	"github.com/go-go-golems/palaver/pkg/inference/specialturn"
	"github.com/go-go-golems/palaver/pkg/interaction"
	"github.com/go-go-golems/palaver/pkg/interaction/serde"
	"github.com/go-go-golems/palaver/pkg/settings"
)

const chatHelp = `commands:
  /history          print the conversation
  /summarize        replace the conversation with a summary
  /save <path>      write the conversation to a YAML file
  /model <name>     switch model
  /exit             leave`

type chatFlags struct {
	historyFlags
	userName string
}

func NewChatCommand() *cobra.Command {
	f := &chatFlags{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return f.run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&f.userName, "user", "", "Name the assistant greets you with")
	return cmd
}

func (f *chatFlags) run(ctx context.Context, in io.Reader, w io.Writer) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	body, err := f.body(s)
	if err != nil {
		return err
	}

	data := specialturn.DefaultPromptData()
	data.UserName = f.userName
	greeting, err := specialturn.GreetingConfig(data)
	if err != nil {
		return err
	}
	sess, err := newSession(s, body, session.WithGreeting(greeting))
	if err != nil {
		return err
	}

	ui := &input.UI{Writer: w, Reader: in}
	opts := settings.RunOptions(s)

	err = withPrinter(ctx, w, s, func(ctx context.Context, o events.Observer) error {
		ctx = events.WithObserver(ctx, o)
		if opts.GenerateGreeting {
			ret := sess.GenerateGreeting(ctx, false)
			if err := returnError(ret); err != nil {
				log.Warn().Err(err).Msg("palaver: greeting failed")
			} else {
				_, _ = fmt.Fprintln(w, ret.Body.Text())
			}
		}

		for {
			line, err := ui.Ask("\n>", &input.Options{HideOrder: true, Loop: false})
			if err != nil {
				if errors.Is(err, input.ErrInterrupted) || strings.HasSuffix(err.Error(), io.EOF.Error()) {
					return nil
				}
				return errors.Wrap(err, "could not read input")
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				quit, err := f.command(ctx, w, sess, data, line)
				if err != nil {
					_, _ = fmt.Fprintf(w, "[error] %s\n", err)
				}
				if quit {
					return nil
				}
				continue
			}

			sess.AddUserMessage(line)
			runCtx, stop := interruptible(ctx, sess)
			ret := sess.RunToStableResult(runCtx, opts)
			stop()
			if err := returnError(ret); err != nil {
				_, _ = fmt.Fprintf(w, "[error] %s\n", err)
			}
		}
	})
	if err != nil {
		return err
	}
	return f.save(sess)
}

// command runs a slash command. quit is set by /exit.
func (f *chatFlags) command(ctx context.Context, w io.Writer, sess *session.Session, data specialturn.PromptData, line string) (quit bool, err error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/exit", "/quit":
		return true, nil
	case "/help":
		_, _ = fmt.Fprintln(w, chatHelp)
	case "/history":
		for _, it := range sess.History().Interactions() {
			_, _ = fmt.Fprintln(w, interaction.Describe(it))
		}
	case "/summarize":
		ret := sess.Summarize(ctx, data)
		if err := returnError(ret); err != nil {
			return false, err
		}
		_, _ = fmt.Fprintf(w, "summary:\n%s\n", ret.Body.Text())
	case "/save":
		if arg == "" {
			return false, errors.New("usage: /save <path>")
		}
		if err := serde.SaveYAML(arg, sess.History(), serde.Options{}); err != nil {
			return false, err
		}
		_, _ = fmt.Fprintf(w, "saved %d interactions to %s\n", sess.History().Len(), arg)
	case "/model":
		if arg == "" {
			return false, errors.New("usage: /model <name>")
		}
		sess.SetModel(arg)
	default:
		return false, errors.Errorf("unknown command %s, try /help", name)
	}
	return false, nil
}
