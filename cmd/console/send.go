package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lightforgemedia/xybot-console/pkg/channel"
	"github.com/lightforgemedia/xybot-console/pkg/wire"
	"github.com/spf13/cobra"
)

// replies maps the requests the backend answers to their reply event.
var replies = map[string]string{
	wire.RequestPing:         wire.EventPong,
	wire.RequestGetBotStatus: wire.EventBotStatus,
}

var sendCmd = &cobra.Command{
	Use:   "send <type> [payload-json]",
	Short: "Send one request over the channel and print the reply",
	Example: `  console send ping
  console send get_bot_status
  console send reload_plugin '{"name":"weather"}' --reply plugin_reloaded`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().String("reply", "", "event type to wait for (known for ping and get_bot_status)")
	sendCmd.Flags().Duration("timeout", 10*time.Second, "how long to wait for the reply")
}

func runSend(cmd *cobra.Command, args []string) error {
	eventType := args[0]
	var payload any
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("payload is not valid JSON: %s", args[1])
		}
		payload = json.RawMessage(args[1])
	}
	replyType, _ := cmd.Flags().GetString("reply")
	if replyType == "" {
		replyType = replies[eventType]
	}
	if replyType == "" {
		return fmt.Errorf("no known reply for %q, pass --reply", eventType)
	}
	token := current.store.Token()
	if token == "" {
		return errors.New("not signed in, run `console login` first")
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	client, err := current.channelClient()
	if err != nil {
		return err
	}
	defer client.Close()

	got := make(chan json.RawMessage, 1)
	client.On(replyType, func(p json.RawMessage) error {
		select {
		case got <- p:
		default:
		}
		return nil
	})
	failed := make(chan string, 1)
	client.OnError(func(p wire.ErrorPayload) {
		// Only errors from the server answer the request; transport errors
		// surface through the state feed.
		if p.Message == "" {
			return
		}
		select {
		case failed <- p.Message:
		default:
		}
	})

	changes := client.StateChanges(ctx)
	client.Connect(token)
	if err := waitOpen(ctx, changes); err != nil {
		return err
	}
	if err := client.Send(eventType, payload); err != nil {
		return err
	}

	select {
	case p := <-got:
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, p, "", "  "); err != nil {
			pretty.Write(p)
		}
		cyan.Println(replyType)
		fmt.Println(pretty.String())
		return nil
	case msg := <-failed:
		return fmt.Errorf("server error: %s", msg)
	case <-ctx.Done():
		return fmt.Errorf("no %s reply within %s", replyType, timeout)
	}
}

func waitOpen(ctx context.Context, changes <-chan channel.StateChange) error {
	for {
		select {
		case change, ok := <-changes:
			if !ok {
				return ctx.Err()
			}
			switch change.To {
			case channel.StateOpen:
				return nil
			case channel.StateGivenUp:
				return errors.New("could not open the channel, check the origin and sign in again")
			}
		case <-ctx.Done():
			return fmt.Errorf("channel did not open: %w", ctx.Err())
		}
	}
}
