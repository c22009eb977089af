package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/abiosoft/ishell/v2"
	"github.com/edup2p/mediator/types"
	"github.com/edup2p/mediator/types/key"
	"github.com/edup2p/mediator/types/msgmesh"
)

const shellTimeout = 5 * time.Second

func setLevel(s string) error {
	switch s {
	case "trace":
		programLevel.Set(types.LevelTrace)
	case "debug":
		programLevel.Set(slog.LevelDebug)
	case "info":
		programLevel.Set(slog.LevelInfo)
	case "warn":
		programLevel.Set(slog.LevelWarn)
	case "error":
		programLevel.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown level %q", s)
	}
	return nil
}

func runShell() {
	shell := ishell.New()

	shell.SetHomeHistoryPath(".mediator_history")

	shell.Println("Mediator Interactive Shell")

	for _, level := range []string{"trace", "debug", "info"} {
		shell.AddCmd(&ishell.Cmd{
			Name: level,
			Help: "set log level to " + level,
			Func: func(c *ishell.Context) {
				_ = setLevel(level)
			},
		})
	}

	shell.AddCmd(keyCmd())
	shell.AddCmd(reachCmd())
	shell.AddCmd(peersCmd())
	shell.AddCmd(natCmd())
	shell.AddCmd(wgCmd())

	shell.AddCmd(&ishell.Cmd{
		Name: "shutdown",
		Help: "stop the mediator and exit",
		Func: func(c *ishell.Context) {
			med.RequestShutdown()
			c.Stop()
		},
	})

	go func() {
		<-med.Done()
		shell.Close()
	}()

	shell.Run()
}

func keyCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "key",
		Help: "show the public key of this node",
		Func: func(c *ishell.Context) {
			c.Println("pub:", med.PublicKey().Marshal())
		},
	}
}

func reachCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "reach",
		Help: "start a handshake with a peer. reach <peer id>",
		Func: func(c *ishell.Context) {
			var line string
			if len(c.Args) == 0 {
				c.Println("enter the peer id")
				line = c.ReadLine()
			} else {
				line = c.Args[0]
			}

			ctx, cancel := context.WithTimeout(context.Background(), shellTimeout)
			defer cancel()

			if err := med.Reach(ctx, msgmesh.PeerID(line)); err != nil {
				c.Err(err)
				return
			}

			c.Println("handshake requested, the outcome is logged")
		},
	}
}

func peersCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "peers",
		Help: "list known peers",
		Func: func(c *ishell.Context) {
			ctx, cancel := context.WithTimeout(context.Background(), shellTimeout)
			defer cancel()

			peers, err := med.Peers(ctx)
			if err != nil {
				c.Err(err)
				return
			}

			if len(peers) == 0 {
				c.Println("no peers")
				return
			}

			for _, p := range peers {
				via := "direct"
				if p.Relayed {
					via = fmt.Sprintf("relay %s", p.RelayAddr)
				}

				c.Printf("%s: addr=%s nat=%s state=%s via=%s seen=%s ago\n",
					p.ID, p.Address, p.NatType, p.State, via, time.Since(p.LastSeen).Round(time.Second))
			}
		},
	}
}

func natCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "nat",
		Help: "show the nat type of this node",
		Func: func(c *ishell.Context) {
			ctx, cancel := context.WithTimeout(context.Background(), shellTimeout)
			defer cancel()

			nat, err := med.NatType(ctx)
			if err != nil {
				c.Err(err)
				return
			}

			c.Println("nat:", nat)
		},
	}
}

func wgCmd() *ishell.Cmd {
	c := &ishell.Cmd{
		Name: "wg",
		Help: "wireguard device state and subcommands",
		Func: func(c *ishell.Context) {
			if wg == nil {
				c.Println("wg: nil")
			} else {
				c.Println("wg: using", wg.Name())
			}
		},
	}

	c.AddCmd(&ishell.Cmd{
		Name: "stats",
		Help: "show device statistics of a peer. wg stats <nodekey:...>",
		Func: func(c *ishell.Context) {
			if wg == nil {
				c.Err(errors.New("wg not setup"))
				return
			}

			if len(c.Args) == 0 {
				c.Err(errors.New("usage: wg stats <nodekey>"))
				return
			}

			pub, err := key.UnmarshalPublic(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}

			stats, err := wg.GetStats(*pub)
			if err != nil {
				c.Err(err)
				return
			}

			if stats == nil {
				c.Println("peer not configured on", wg.Name())
				return
			}

			c.Printf("endpoint=%s handshake=%s tx=%d rx=%d\n", stats.Endpoint, stats.LastHandshake, stats.TxBytes, stats.RxBytes)
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "rm",
		Help: "remove a peer from the device. wg rm <nodekey:...>",
		Func: func(c *ishell.Context) {
			if wg == nil {
				c.Err(errors.New("wg not setup"))
				return
			}

			if len(c.Args) == 0 {
				c.Err(errors.New("usage: wg rm <nodekey>"))
				return
			}

			pub, err := key.UnmarshalPublic(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}

			if err := wg.RemovePeer(*pub); err != nil {
				c.Err(err)
			}
		},
	})

	return c
}
