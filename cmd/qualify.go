package main

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/loadblast/internal/intake"
)

type messageFlags struct {
	from      string
	subject   string
	threadID  string
	inReplyTo string
	messageID string
	bodyFile  string
}

func (f *messageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.from, "from", "", "sender address (required)")
	cmd.Flags().StringVar(&f.subject, "subject", "", "message subject")
	cmd.Flags().StringVar(&f.threadID, "thread", "", "conversation thread id")
	cmd.Flags().StringVar(&f.inReplyTo, "in-reply-to", "", "id of the message being answered")
	cmd.Flags().StringVar(&f.messageID, "message-id", "", "id of this message")
	cmd.Flags().StringVar(&f.bodyFile, "body-file", "-", "file holding the message body, - for stdin")
	_ = cmd.MarkFlagRequired("from")
}

// message builds the inbound message, reading the body from file or stdin.
func (f *messageFlags) message(stdin io.Reader, intent intake.Intent) (intake.Message, error) {
	var r io.Reader = stdin
	if f.bodyFile != "-" {
		file, err := os.Open(f.bodyFile)
		if err != nil {
			return intake.Message{}, eris.Wrap(err, "open body file")
		}
		defer file.Close() //nolint:errcheck
		r = file
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return intake.Message{}, eris.Wrap(err, "read body")
	}
	if strings.TrimSpace(string(body)) == "" {
		return intake.Message{}, eris.New("message body is empty")
	}
	return intake.Message{
		MessageID: f.messageID,
		ThreadID:  f.threadID,
		InReplyTo: f.inReplyTo,
		From:      f.from,
		Subject:   f.subject,
		Body:      string(body),
		Intent:    intent,
	}, nil
}

// routeMessage runs msg through the machine and prints the load.
func routeMessage(cmd *cobra.Command, flags *messageFlags, intent intake.Intent) error {
	ctx := cmd.Context()
	msg, err := flags.message(cmd.InOrStdin(), intent)
	if err != nil {
		return err
	}

	env, err := initEnv(ctx, "qualify")
	if err != nil {
		return err
	}
	defer env.Close()

	load, err := env.Machine.Route(ctx, msg)
	if err != nil && !(errors.Is(err, intake.ErrExtractionFailure) && load != nil) {
		return err
	}
	if err != nil {
		zap.L().Warn("extraction failed, load flagged for manual extraction",
			zap.String("load_id", load.ID),
			zap.Error(err),
		)
	}
	return printJSON(cmd.OutOrStdout(), load)
}

var qualifyFlags messageFlags

var qualifyCmd = &cobra.Command{
	Use:   "qualify",
	Short: "Qualify a new load request from a shipper message",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return routeMessage(cmd, &qualifyFlags, intake.IntentNewTender)
	},
}

var followupFlags messageFlags

var followupCmd = &cobra.Command{
	Use:   "followup",
	Short: "Apply a shipper reply to its pending load",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return routeMessage(cmd, &followupFlags, intake.IntentFollowUp)
	},
}

func init() {
	qualifyFlags.register(qualifyCmd)
	followupFlags.register(followupCmd)
	rootCmd.AddCommand(qualifyCmd, followupCmd)
}
