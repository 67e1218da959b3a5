package cmds

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/palaver/pkg/events"
	"github.com/go-go-golems/palaver/pkg/helpers"
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/inference/session"
	"github.com/go-go-golems/palaver/pkg/inference/tools"
	"github.com/go-go-golems/palaver/pkg/interaction"
	"github.com/go-go-golems/palaver/pkg/interaction/serde"
	"github.com/go-go-golems/palaver/pkg/settings"
)

const eventTopic = "chat"

// historyFlags are shared by the commands that read or write a history.
type historyFlags struct {
	in         string
	out        string
	jsonSchema string
}

func (h *historyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&h.in, "history-in", "", "Load the conversation from a YAML history file")
	cmd.Flags().StringVar(&h.out, "history-out", "", "Write the conversation to a YAML history file when done")
	cmd.Flags().StringVar(&h.jsonSchema, "json-schema", "", "JSON schema file the final answer must match")
}

// body builds the starting history: an imported one, or the system prompt.
func (h *historyFlags) body(s *settings.Settings) (*interaction.Body, error) {
	var body *interaction.Body
	if h.in != "" {
		b, err := serde.LoadYAML(h.in)
		if err != nil {
			return nil, errors.Wrapf(err, "could not load history %s", h.in)
		}
		log.Debug().Str("path", h.in).Int("interactions", b.Len()).Msg("palaver: history imported")
		body = b
	} else {
		body = interaction.NewBody()
		if s.SystemPrompt != "" {
			body.Append(interaction.NewSystemText(s.SystemPrompt))
		}
		body.ClearNew()
	}

	if h.jsonSchema != "" {
		b, err := os.ReadFile(h.jsonSchema)
		if err != nil {
			return nil, errors.Wrapf(err, "could not read schema %s", h.jsonSchema)
		}
		var schema map[string]any
		if err := json.Unmarshal(b, &schema); err != nil {
			return nil, errors.Wrapf(err, "could not parse schema %s", h.jsonSchema)
		}
		body.JSONOutputSchema = schema
	}
	return body, nil
}

func (h *historyFlags) save(sess *session.Session) error {
	if h.out == "" {
		return nil
	}
	if err := serde.SaveYAML(h.out, sess.History(), serde.Options{}); err != nil {
		return errors.Wrapf(err, "could not write history %s", h.out)
	}
	log.Debug().Str("path", h.out).Msg("palaver: history exported")
	return nil
}

func loadSettings() (*settings.Settings, error) {
	return settings.Load(viper.GetViper())
}

// newSession wires the configured provider, the builtin tools and the
// capability rules into a session seeded with body.
func newSession(s *settings.Settings, body *interaction.Body, opts ...session.Option) (*session.Session, error) {
	exec, err := settings.NewExecutor(s)
	if err != nil {
		return nil, err
	}
	logged := engine.NewExecutorWithMiddleware(exec, engine.NewLoggingMiddleware(log.Logger))
	req := &engine.Request{
		Provider: s.Provider,
		Model:    s.ResolvedModel(),
		Body:     body,
	}
	base := []session.Option{
		session.WithRequest(req),
		session.WithTools(newToolManager()),
		session.WithCapabilityResolver(settings.CapabilityResolver(s)),
		session.WithStreamingOptions(settings.StreamingOptions(s)),
		session.WithLogger(log.Logger),
	}
	return session.New(logged, append(base, opts...)...), nil
}

func newToolManager() *tools.Manager {
	return tools.NewManager(tools.WithProviders(builtinTools{}))
}

// withPrinter runs fn with an observer whose events are printed to w as
// they are published. With log.debug_events set, the raw events are also
// dumped to stderr. It returns when fn returned and every event was
// handled.
func withPrinter(ctx context.Context, w io.Writer, s *settings.Settings, fn func(ctx context.Context, o events.Observer) error) error {
	options := []events.EventRouterOption{events.WithLogger(helpers.NewWatermill(log.Logger))}
	if s.Log.DebugEvents {
		options = append(options, events.WithOutput(os.Stderr), events.WithVerbose(viper.GetBool("verbose")))
	}
	router, err := events.NewEventRouter(options...)
	if err != nil {
		return errors.Wrap(err, "could not create event router")
	}
	router.AddHandler("printer", eventTopic, events.StepPrinterFunc("", w))
	if s.Log.DebugEvents {
		router.AddHandler("raw-events", eventTopic, router.DumpRawEvents)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return router.Run(ctx)
	})
	eg.Go(func() error {
		defer func() {
			_ = router.Close()
		}()
		<-router.Running()
		return fn(ctx, router.Observer(eventTopic))
	})
	return eg.Wait()
}

// interruptible cancels sess on SIGINT instead of killing the process.
func interruptible(ctx context.Context, sess *session.Session) (context.Context, func()) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	go func() {
		<-ctx.Done()
		if sess.IsRunning() {
			sess.Cancel()
		}
	}()
	return ctx, stop
}

func returnError(ret *engine.Return) error {
	if ret == nil || !ret.IsError() {
		return nil
	}
	for _, m := range ret.Messages {
		log.Warn().Str("code", m.Code).Str("source", m.Source).Msg("palaver: " + m.Text)
	}
	return errors.Errorf("%s: %s", ret.ErrorKind, ret.ErrorMessage)
}
