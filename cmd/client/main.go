package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pyropy/dbs/lib/logger"
)

var log, _ = logger.New("client-cli")

func main() {
	app := &cli.App{
		Name:  "dbs",
		Usage: "Back up and restore files through a local backup peer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "rpc-url",
				Value:   "localhost:1099",
				Usage:   "Address of the peer RPC server",
				EnvVars: []string{"DBS_RPC_URL"},
			},
		},
		Commands: []*cli.Command{
			backupCmd,
			restoreCmd,
			listCmd,
			statusCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalw("client", "error", err)
	}
}
