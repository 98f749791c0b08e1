package main

import (
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/pyropy/dbs/core/client"
)

var backupCmd = &cli.Command{
	Name:  "backup",
	Usage: "Back up a local file to the peer group",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "file-path",
			Required: true,
			Usage:    "Path to the file you want to back up",
		},
		&cli.IntFlag{
			Name:  "degree",
			Value: 1,
			Usage: "Number of peers that should store each chunk",
		},
	},
	Action: func(ctx *cli.Context) error {
		filePath, err := filepath.Abs(ctx.String("file-path"))
		if err != nil {
			return err
		}

		c, err := client.NewClient(ctx.String("rpc-url"))
		if err != nil {
			return err
		}
		defer c.Close()

		reply, err := c.BackupFile(filePath, ctx.Int("degree"))
		if err != nil {
			return err
		}

		underReplicated := 0
		for _, chunk := range reply.Chunks {
			if chunk.Error != "" {
				underReplicated++
				fmt.Printf("chunk %d: %s (confirmed by %d after %d attempts)\n", chunk.ChunkNo, chunk.Error, chunk.Confirmed, chunk.Attempts)
			}
		}

		fmt.Printf("backed up %s as %s: %d chunks, %d under-replicated\n", filePath, reply.FileID, reply.NumChunks, underReplicated)
		return nil
	},
}

var restoreCmd = &cli.Command{
	Name:  "restore",
	Usage: "Restore a previously backed up file",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "file-path",
			Required: true,
			Usage:    "Path the file had when it was backed up",
		},
		&cli.StringFlag{
			Name:  "dest",
			Usage: "Where to write the restored file, defaults to file-path",
		},
	},
	Action: func(ctx *cli.Context) error {
		filePath, err := filepath.Abs(ctx.String("file-path"))
		if err != nil {
			return err
		}

		dest := filePath
		if ctx.IsSet("dest") {
			dest, err = filepath.Abs(ctx.String("dest"))
			if err != nil {
				return err
			}
		}

		c, err := client.NewClient(ctx.String("rpc-url"))
		if err != nil {
			return err
		}
		defer c.Close()

		reply, err := c.RestoreFile(filePath, dest)
		if err != nil {
			return err
		}

		fmt.Printf("restored %s to %s: %d bytes\n", reply.FileID, dest, reply.BytesWritten)
		return nil
	},
}

var listCmd = &cli.Command{
	Name:  "list",
	Usage: "List all backed up files",
	Action: func(ctx *cli.Context) error {
		c, err := client.NewClient(ctx.String("rpc-url"))
		if err != nil {
			return err
		}
		defer c.Close()

		files, err := c.ListFiles()
		if err != nil {
			return err
		}

		for _, file := range files {
			fmt.Printf("%s\t%s\t%d bytes\tdegree %d\tconfirmed %v\n", file.ID, file.Path, file.Size, file.ReplicationDegree, file.Confirmed)
		}

		return nil
	},
}

var statusCmd = &cli.Command{
	Name:  "status",
	Usage: "Show the chunks this peer stores for others",
	Action: func(ctx *cli.Context) error {
		c, err := client.NewClient(ctx.String("rpc-url"))
		if err != nil {
			return err
		}
		defer c.Close()

		status, err := c.Status()
		if err != nil {
			return err
		}

		fmt.Printf("peer %s (protocol %s), %d stored chunks\n", status.PeerID, status.ProtocolVersion, len(status.StoredChunks))
		for _, chunk := range status.StoredChunks {
			fmt.Printf("%s_%d\tdegree %d\tconfirmed %d\n", chunk.FileID, chunk.ChunkNo, chunk.Degree, chunk.Confirmed)
		}

		return nil
	},
}
