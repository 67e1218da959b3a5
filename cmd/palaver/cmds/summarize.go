package cmds

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/palaver/pkg/inference/specialturn"
)

func NewSummarizeCommand() *cobra.Command {
	f := &historyFlags{}
	data := specialturn.DefaultPromptData()
	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Replace a saved conversation with a summary of it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.in == "" {
				return errors.New("--history-in is required")
			}
			if f.out == "" {
				f.out = f.in
			}
			s, err := loadSettings()
			if err != nil {
				return err
			}
			body, err := f.body(s)
			if err != nil {
				return err
			}
			sess, err := newSession(s, body)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := interruptible(ctx, sess)
			defer stop()

			ret := sess.Summarize(ctx, data)
			if err := returnError(ret); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), ret.Body.Text())
			return f.save(sess)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&data.Language, "language", data.Language, "Language of the summary")
	cmd.Flags().IntVar(&data.MaxWords, "max-words", data.MaxWords, "Maximum length of the summary")
	cmd.Flags().StringVar(&data.Instructions, "instructions", "", "Extra instructions for the summary")
	return cmd
}
