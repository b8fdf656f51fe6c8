package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TeoSlayer/topicbus/pkg/protocol"
)

func newRegisterCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register the peer, or log in if it is already registered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := g.dial(true)
			if err != nil {
				return err
			}
			defer n.Close()
			created, err := n.Register()
			if err != nil {
				return err
			}
			text := fmt.Sprintf("Peer %s logged in.", n.ID())
			if created {
				text = fmt.Sprintf("Peer %s registered at %s.", n.ID(), n.Addr())
			}
			g.print(cmd, map[string]interface{}{"peer": n.Addr(), "created": created}, text)
			return nil
		},
	}
}

func newUnregisterCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister",
		Short: "Unregister the peer; topics it hosts move to another peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := g.connect(false)
			if err != nil {
				return err
			}
			defer n.Close()
			if err := n.Unregister(); err != nil {
				return err
			}
			g.print(cmd, map[string]interface{}{"peer_id": n.ID()}, fmt.Sprintf("Peer %s unregistered.", n.ID()))
			return nil
		},
	}
}

func newCreateTopicCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "create-topic TOPIC",
		Short: "Create a topic hosted by this peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := g.connect(true)
			if err != nil {
				return err
			}
			defer n.Close()
			if err := n.CreateTopic(args[0]); err != nil {
				return err
			}
			g.print(cmd, map[string]interface{}{"topic": args[0]}, fmt.Sprintf("Topic '%s' created.", args[0]))
			return nil
		},
	}
}

func newDeleteTopicCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-topic TOPIC",
		Short: "Delete a topic this peer hosts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := g.connect(false)
			if err != nil {
				return err
			}
			defer n.Close()
			if err := n.DeleteTopic(args[0]); err != nil {
				return err
			}
			g.print(cmd, map[string]interface{}{"topic": args[0]}, fmt.Sprintf("Topic '%s' deleted.", args[0]))
			return nil
		},
	}
}

func newSubscribeCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe TOPIC",
		Short: "Subscribe to a topic and print its host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := g.connect(true)
			if err != nil {
				return err
			}
			defer n.Close()
			host, err := n.Subscribe(args[0])
			if err != nil {
				return err
			}
			g.print(cmd, map[string]interface{}{"topic": args[0], "host_peer": host},
				fmt.Sprintf("Subscribed to '%s', hosted by %s at %s.", args[0], host.ID, host))
			return nil
		},
	}
}

func newPublishCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "publish TOPIC MESSAGE...",
		Short: "Append a message to a topic",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := g.connect(false)
			if err != nil {
				return err
			}
			defer n.Close()
			content := strings.Join(args[1:], " ")
			if err := n.Publish(args[0], content); err != nil {
				return err
			}
			g.print(cmd, map[string]interface{}{"topic": args[0]}, fmt.Sprintf("Message sent to '%s'.", args[0]))
			return nil
		},
	}
}

func printMessages(g *globalFlags, cmd *cobra.Command, topic string, msgs []protocol.Message) {
	if g.jsonOutput {
		g.print(cmd, map[string]interface{}{"topic": topic, "messages": msgs}, "")
		return
	}
	out := cmd.OutOrStdout()
	for _, m := range msgs {
		fmt.Fprintf(out, "[%s #%d] %s: %s\n", topic, m.Index, m.Sender, m.Content)
	}
}

// pull is one-shot: the local cursor does not outlive the process, so the
// starting point is given with --since.
func newPullCommand(g *globalFlags) *cobra.Command {
	var since int64
	cmd := &cobra.Command{
		Use:   "pull TOPIC",
		Short: "Print the messages of a subscribed topic after --since",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := g.connect(false)
			if err != nil {
				return err
			}
			defer n.Close()
			// The server answers in frame-sized batches; follow them until
			// caught up.
			var msgs []protocol.Message
			for cursor := since; ; {
				batch, err := n.Client().GetMessages(n.ID(), args[0], cursor)
				if err != nil {
					return err
				}
				if len(batch) == 0 {
					break
				}
				msgs = append(msgs, batch...)
				cursor = batch[len(batch)-1].Index
			}
			if len(msgs) == 0 && !g.jsonOutput {
				fmt.Fprintf(cmd.OutOrStdout(), "No new messages in topic '%s'.\n", args[0])
				return nil
			}
			printMessages(g, cmd, args[0], msgs)
			return nil
		},
	}
	cmd.Flags().Int64Var(&since, "since", protocol.NoneRead, "last index already read (-1 = from the start)")
	return cmd
}

func newWatchCommand(g *globalFlags) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch TOPIC",
		Short: "Subscribe to a topic and keep printing new messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := g.connect(true)
			if err != nil {
				return err
			}
			defer n.Close()
			if _, err := n.Subscribe(args[0]); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				msgs, err := n.Pull(args[0])
				if err != nil {
					return err
				}
				printMessages(g, cmd, args[0], msgs)
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	return cmd
}

func newTopicsCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "topics",
		Short: "List every topic on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := g.connect(false)
			if err != nil {
				return err
			}
			defer n.Close()
			topics, err := n.Topics()
			if err != nil {
				return err
			}
			g.print(cmd, map[string]interface{}{"topics": topics}, "Created Topics: "+strings.Join(topics, ", "))
			return nil
		},
	}
}

func newSubscriptionsCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "subscriptions",
		Short: "List the topics this peer is subscribed to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := g.connect(false)
			if err != nil {
				return err
			}
			defer n.Close()
			topics, err := n.SubscribedTopics()
			if err != nil {
				return err
			}
			g.print(cmd, map[string]interface{}{"topics": topics}, "Subscribed Topics: "+strings.Join(topics, ", "))
			return nil
		},
	}
}

func newHostCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "host TOPIC",
		Short: "Print the peer currently hosting a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := g.connect(false)
			if err != nil {
				return err
			}
			defer n.Close()
			host, err := n.TopicHost(args[0])
			if err != nil {
				return err
			}
			g.print(cmd, map[string]interface{}{"topic": args[0], "host_peer": host},
				fmt.Sprintf("Topic '%s' is hosted by %s at %s.", args[0], host.ID, host))
			return nil
		},
	}
}
