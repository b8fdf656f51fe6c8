package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/TeoSlayer/topicbus/pkg/config"
	"github.com/TeoSlayer/topicbus/pkg/logging"
	"github.com/TeoSlayer/topicbus/pkg/peer"
)

type globalFlags struct {
	configPath  string
	serverIP    string
	serverPort  int
	peerID      string
	peerIP      string
	port        int
	basePort    int
	dialTimeout time.Duration
	logLevel    string
	logFormat   string
	jsonOutput  bool
}

func main() {
	if err := NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewCommand builds the peerctl command tree.
func NewCommand() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:          "peerctl",
		Short:        "Talk to a topicbus indexing server as a peer",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.configPath != "" {
				cfg, err := config.Load(g.configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := config.ApplyToPFlags(cmd.Flags(), cfg); err != nil {
					return err
				}
			}
			logging.Setup(g.logLevel, g.logFormat)
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "path to config file (JSON)")
	pf.StringVar(&g.serverIP, "indexing-server-ip", "127.0.0.1", "indexing server IP")
	pf.IntVar(&g.serverPort, "indexing-server-port", 5000, "indexing server port")
	pf.StringVar(&g.peerID, "peer-id", "", "peer id to act as")
	pf.StringVar(&g.peerIP, "peer-node-ip", "127.0.0.1", "IP advertised on registration")
	pf.IntVar(&g.port, "port", 0, "port advertised on registration (0 = first free port from the base port)")
	pf.IntVar(&g.basePort, "peer-node-base-port", 6000, "first port tried when a registering command runs with --port 0")
	pf.DurationVar(&g.dialTimeout, "dial-timeout", 5*time.Second, "connect timeout")
	pf.StringVar(&g.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	pf.StringVar(&g.logFormat, "log-format", "text", "log format (text, json)")
	pf.BoolVar(&g.jsonOutput, "json", false, "print results as JSON")

	cmd.AddCommand(
		newRegisterCommand(g),
		newUnregisterCommand(g),
		newCreateTopicCommand(g),
		newDeleteTopicCommand(g),
		newSubscribeCommand(g),
		newPublishCommand(g),
		newPullCommand(g),
		newWatchCommand(g),
		newTopicsCommand(g),
		newSubscriptionsCommand(g),
		newHostCommand(g),
	)
	return cmd
}

func (g *globalFlags) serverAddr() string {
	return net.JoinHostPort(g.serverIP, strconv.Itoa(g.serverPort))
}

// connect opens a session for --peer-id. With register set the peer is
// registered (or logged in) first.
func (g *globalFlags) connect(register bool) (*peer.Node, error) {
	n, err := g.dial(register)
	if err != nil {
		return nil, err
	}
	if register {
		if _, err := n.Register(); err != nil {
			n.Close()
			return nil, err
		}
	}
	return n, nil
}

// dial opens a session without registering. The advertised port only
// matters to commands that register, so a free one is looked up from
// --peer-node-base-port only when advertise is set and --port is 0.
func (g *globalFlags) dial(advertise bool) (*peer.Node, error) {
	if g.peerID == "" {
		return nil, fmt.Errorf("--peer-id is required")
	}
	port := g.port
	if port == 0 && advertise {
		p, err := peer.FindAvailablePort(g.peerIP, g.basePort)
		if err != nil {
			return nil, err
		}
		port = p
	}
	return peer.Connect(peer.Config{
		PeerID:      g.peerID,
		IP:          g.peerIP,
		Port:        port,
		ServerAddr:  g.serverAddr(),
		DialTimeout: g.dialTimeout,
	})
}

func (g *globalFlags) print(cmd *cobra.Command, data interface{}, text string) {
	out := cmd.OutOrStdout()
	if g.jsonOutput {
		b, _ := json.Marshal(map[string]interface{}{"status": "ok", "data": data})
		fmt.Fprintln(out, string(b))
		return
	}
	fmt.Fprintln(out, text)
}
