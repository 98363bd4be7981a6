// Command portalctl logs in to the platform from a terminal and inspects the resulting session.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/services/authclient"
	"github.com/trezcool/masomo/storage/credstore"
)

func main() {
	conf := core.NewConfig()

	var logger core.Logger = core.NopLogger{}
	if conf.Debug {
		logger = core.NewStdLogger(log.New(os.Stderr, "PORTALCTL : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile))
	}

	path, err := credstore.DefaultPath(conf.Session.StoreDir, conf.AppName)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := newCommandLine(conf, authclient.NewFromConfig(conf, logger), credstore.NewFileTier(path, logger), logger, os.Stdout)
	if err := cli.run(ctx, os.Args); err != nil {
		if err != errHelp {
			log.Printf("\nerror: %s\n", err)
		}
		stop()
		os.Exit(1)
	}
}
