package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func NewEventsCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Publish workflow events",
	}
	cmd.AddCommand(newSendCmd(deps))
	return cmd
}

func newSendCmd(deps *Dependencies) *cobra.Command {
	var (
		data  string
		file  string
		runID string
	)

	cmd := &cobra.Command{
		Use:     "send <event>",
		Short:   "Publish one event, e.g. meetings/processing",
		Example: `  workflowctl events send chat/message.new --data '{"userId":"u1","channelId":"m1","text":"hi"}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(data, file)
			if err != nil {
				return err
			}

			id, err := deps.Client.SendEvent(cmd.Context(), args[0], payload, runID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringVar(&data, "data", "", "event payload as JSON")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the payload from a file, - for stdin")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id to publish under; generated by the server when empty")
	cmd.MarkFlagsMutuallyExclusive("data", "file")

	return cmd
}

func readPayload(data, file string) (json.RawMessage, error) {
	var raw []byte
	switch {
	case data != "":
		raw = []byte(data)
	case file == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		raw = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		return nil, errors.New("one of --data or --file is required")
	}

	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}
