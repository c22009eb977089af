package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/edup2p/mediator/mediator"
	"github.com/edup2p/mediator/types/key"
	"github.com/edup2p/mediator/types/msgmesh"
	"github.com/edup2p/mediator/wgctl"
	"golang.org/x/sync/errgroup"
)

var (
	listenAddr = flag.String("listen", "0.0.0.0:0", "local UDP address to bind, in form \"ip:port\"")
	serverAddr = flag.String("server", "", "mesh server UDP address, in form \"ip:port\"")
	peerID     = flag.String("id", "", "peer id assigned by the mesh server")
	privKey    = flag.String("key", "", "private key, with 'privkey:' prefix. A fresh key is generated if empty")
	configPath = flag.String("config", "", "JSON config file path")
	wgDevice   = flag.String("wg", "", "wireguard device to hand established sessions to")
	withShell  = flag.Bool("shell", false, "run an interactive shell")
	logLevel   = flag.String("log", "info", "log level: trace, debug, info, warn or error")
)

var (
	programLevel = new(slog.LevelVar) // Info by default

	med *mediator.Mediator
	wg  *wgctl.WGCtrl
)

func main() {
	flag.Parse()

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel, AddSource: true})
	slog.SetDefault(slog.New(h))

	if err := setLevel(*logLevel); err != nil {
		log.Fatalf("invalid log level: %v", err)
	}

	if *serverAddr == "" || *peerID == "" {
		log.Fatalf("usage: %s -server <ip:port> -id <peer id> [flags]", os.Args[0])
	}

	listen, err := netip.ParseAddrPort(*listenAddr)
	if err != nil {
		log.Fatalf("invalid listen address: %v", err)
	}

	server, err := netip.ParseAddrPort(*serverAddr)
	if err != nil {
		log.Fatalf("invalid server address: %v", err)
	}

	priv, err := loadKey(*privKey)
	if err != nil {
		log.Fatalf("invalid private key: %v", err)
	}

	cfg := mediator.DefaultConfig()
	if *configPath != "" {
		if cfg, err = mediator.LoadConfigFile(*configPath); err != nil {
			log.Fatalf("could not load config: %v", err)
		}
	}

	opts := []mediator.Option{mediator.WithConfig(cfg)}

	if *wgDevice != "" {
		if wg, err = wgctl.Open(*wgDevice); err != nil {
			log.Fatalf("could not open wireguard device: %v", err)
		}

		port, err := wg.Init(priv)
		if err != nil {
			fatalf("could not initialise wireguard device: %v", err)
		}

		slog.Info("using wireguard device", "device", wg.Name(), "port", port)

		opts = append(opts, mediator.WithDataPlane(wg))
	}

	if med, err = mediator.New(msgmesh.PeerID(*peerID), priv, opts...); err != nil {
		fatalf("could not create mediator: %v", err)
	}

	slog.Info("starting mediator", "id", *peerID, "pub", med.PublicKey().Marshal())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return med.Start(ctx, listen, server)
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
			med.RequestShutdown()
		case <-med.Done():
		}
		return nil
	})

	if *withShell {
		g.Go(func() error {
			runShell()
			med.RequestShutdown()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var be *mediator.BindError
		if errors.As(err, &be) {
			fatalf("could not bind %s: %v", be.Addr, be.Err)
		}

		fatalf("mediator stopped: %v", err)
	}

	closeDevice()
}

// fatalf is log.Fatalf, but releases the wireguard device first, as deferred calls do not run on exit.
func fatalf(format string, args ...any) {
	closeDevice()
	log.Fatalf(format, args...)
}

func closeDevice() {
	if wg == nil {
		return
	}
	if err := wg.Close(); err != nil {
		slog.Warn("could not close wireguard device", "err", err)
	}
	wg = nil
}

func loadKey(s string) (key.NodePrivate, error) {
	if s == "" {
		k := key.NewNode()
		slog.Warn("no private key given, generated a fresh one", "key", k.Marshal())
		return k, nil
	}

	k, err := key.UnmarshalPrivate(s)
	if err != nil {
		return key.NodePrivate{}, err
	}

	return *k, nil
}
