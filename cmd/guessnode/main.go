package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"

	gnutella "github.com/dannyzb/gnutella"
	"github.com/dannyzb/gnutella/guess"
)

type args struct {
	DataDir    string `arg:"--data-dir" help:"directory for trailers and the query-key store"`
	ListenAddr string `arg:"--listen" help:"UDP listen address for GUESS traffic"`
	NoUpnp     bool   `arg:"--no-upnp" help:"disable UPnP port mapping"`
	Search     string `arg:"positional" help:"optional search text to run once and print hits for"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "guessnode:", err)
		os.Exit(1)
	}
}

func run() error {
	defer envpprof.Stop()

	var a args
	arg.MustParse(&a)

	cfg, err := gnutella.LoadConfig(context.Background())
	if err != nil {
		return err
	}
	if a.DataDir != "" {
		cfg.DataDir = a.DataDir
	}
	if a.ListenAddr != "" {
		cfg.ListenAddr = a.ListenAddr
	}
	if a.NoUpnp {
		cfg.EnableUpnp = false
	}

	client, err := gnutella.NewClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.Search != "" {
		q := client.Search(a.Search, "", func(h guess.Hit) bool {
			fmt.Printf("hit from %v\n", h.Addr)
			return true
		})
		go func() {
			<-ctx.Done()
			q.Cancel()
		}()
	}

	return client.Run(ctx)
}
