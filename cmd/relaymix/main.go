// main.go - Relaymix command line tool.
// Copyright (C) 2017  Yawning Angel.
// Copyright (C) 2026  The Relaymix Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/spf13/cobra"

	"github.com/relaymix/relaymix/core/log"
	"github.com/relaymix/relaymix/core/packet"
	"github.com/relaymix/relaymix/core/tickets"
	"github.com/relaymix/relaymix/core/utils"
	"github.com/relaymix/relaymix/node"
	"github.com/relaymix/relaymix/node/config"
	"github.com/relaymix/relaymix/node/ticketdb"
)

const defaultConfigFile = "relaymix.toml"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relaymix",
		Short: "Relaymix packet pipeline tool",
		Long: `relaymix inspects and exercises the packet pipeline of a relaymix node.

Every frame a node emits has the same length: a Sphinx packet carrying
proof-of-relay values for each hop, followed by the probabilistic ticket
paying the next relay.  Relays redeem winning tickets once the hop after
them acknowledges the packet.`,
		Example: `  # Show the packet geometry of a configuration
  relaymix geometry -f relaymix.toml

  # Generate a packet key and a chain key
  relaymix genkey

  # Send a packet through three in-process relays
  relaymix selftest -f relaymix.toml --hops 3

  # List the winning tickets a node holds
  relaymix tickets -f relaymix.toml`,
	}
	cmd.AddCommand(
		newGeometryCommand(),
		newGenkeyCommand(),
		newSelftestCommand(),
		newTicketsCommand(),
	)
	return cmd
}

func main() {
	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func loadConfig(f string) (*config.Config, error) {
	cfg, err := config.LoadFile(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", f, err)
	}
	return cfg, nil
}

func newGeometryCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "geometry",
		Short: "Print the packet geometry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			g := cfg.Sphinx.Geometry()
			fmt.Fprint(cmd.OutOrStdout(), g.Display())
			fmt.Fprintf(cmd.OutOrStdout(), "\n# frame size: %d\n", node.FrameLength(g))
			fmt.Fprintf(cmd.OutOrStdout(), "# encoded SURB size: %d\n", node.EncodedSurbLength(g))
			fmt.Fprintf(cmd.OutOrStdout(), "# plaintext budget without SURBs: %d\n", node.PlaintextBudget(g, 0))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "f", defaultConfigFile, "path to the configuration file (TOML format)")
	return cmd
}

func newGenkeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate a packet key and a chain key",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := x25519.Scheme(rand.Reader).GenerateKeyPair()
			if err != nil {
				return err
			}
			chainKey, err := btcec.NewPrivateKey()
			if err != nil {
				return err
			}
			id := packet.NodeIDFromPublicKey(pub)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "packet_private_key = %q\n", hex.EncodeToString(priv.Bytes()))
			fmt.Fprintf(out, "packet_public_key = %q\n", hex.EncodeToString(pub.Bytes()))
			fmt.Fprintf(out, "chain_private_key = %q\n", hex.EncodeToString(chainKey.Serialize()))
			fmt.Fprintf(out, "node_id = %q\n", hex.EncodeToString(id[:]))
			fmt.Fprintf(out, "chain_address = %q\n", tickets.AddressFromPublicKey(chainKey.PubKey()))
			return nil
		},
	}
}

func newTicketsCommand() *cobra.Command {
	var (
		configFile string
		remove     bool
	)
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "List redeemable winning tickets",
		Long: `tickets lists the winning tickets held in the ticket database.  With
--remove the listed tickets are dropped once printed, after they have been
redeemed on chain.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			f := cfg.Storage.TicketDBPath()
			if !utils.Exists(f) {
				return fmt.Errorf("no ticket database at '%v'", f)
			}
			db, err := ticketdb.New(f)
			if err != nil {
				return err
			}
			defer db.Close()

			won, err := db.Acknowledged()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range won {
				fmt.Fprintf(out, "%v index=%d epoch=%d amount=%v signer=%v\n", t.Ticket.ChannelID, t.Ticket.Index, t.Ticket.ChannelEpoch, t.Ticket.Amount, t.Signer)
			}
			fmt.Fprintf(out, "%d winning tickets\n", len(won))
			if !remove {
				return nil
			}
			for _, t := range won {
				if err = db.RemoveAcknowledged(&t.Ticket); err != nil {
					return err
				}
			}
			fmt.Fprintf(out, "%d winning tickets removed\n", len(won))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "f", defaultConfigFile, "path to the configuration file (TOML format)")
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the listed tickets from the database")
	return cmd
}

func newSelftestCommand() *cobra.Command {
	var (
		configFile string
		hops       int
		message    string
	)
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run a packet through in-process relays",
		Long: `selftest creates a sender and a path of in-process nodes sharing an
in-memory chain, sends one packet carrying a SURB along the path, acknowledges
every hop, replies with the SURB, and reports each verdict and ticket outcome.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			// Rotate logs upon SIGHUP.
			rotateCh := make(chan os.Signal, 1)
			signal.Notify(rotateCh, syscall.SIGHUP)
			defer signal.Stop(rotateCh)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-rotateCh:
						if err := logBackend.Rotate(); err != nil {
							fmt.Fprintf(os.Stderr, "failed to rotate log: %v\n", err)
						}
					}
				}
			}()
			return runSelftest(ctx, cmd.OutOrStdout(), cfg, logBackend, hops, []byte(message))
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "f", defaultConfigFile, "path to the configuration file (TOML format)")
	cmd.Flags().IntVar(&hops, "hops", 3, "number of hops, the destination included")
	cmd.Flags().StringVar(&message, "message", "relaymix self test", "message to send")
	return cmd
}
