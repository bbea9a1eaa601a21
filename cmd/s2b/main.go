package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:    "s2b",
		Usage:   "Move EBS snapshots into an S3 bucket and back",
		Version: "0.1.0",
		Commands: []*cli.Command{
			{
				Name:  "backup",
				Usage: "Transfer every snapshot tagged for migration into the bucket",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "path to configuration yaml file",
						Value: "s2b.yaml",
					},
					&cli.StringFlag{
						Name:  "tag",
						Usage: "Tag key marking snapshots to process",
						Value: "snap-to-bucket",
					},
					&cli.StringFlag{
						Name:  "mount",
						Usage: "Directory under which snapshot volumes are mounted",
						Value: "/mnt/snaps",
					},
					&cli.StringFlag{
						Name:  "split",
						Usage: "Maximum size of one uploaded part (e.g. 512MiB, 5TiB)",
						Value: "5TiB",
					},
					&cli.BoolFlag{
						Name:  "gzip",
						Usage: "Compress archives before upload",
					},
					&cli.BoolFlag{
						Name:  "delete",
						Usage: "Delete each snapshot after it is transferred",
					},
					&cli.BoolFlag{
						Name:  "verbose",
						Usage: "Log debug messages to the console",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runBackup(ctx, cmd.String("config"), cmd.String("tag"),
						cmd.String("mount"), cmd.String("split"),
						cmd.Bool("gzip"), cmd.Bool("delete"), cmd.Bool("verbose"))
				},
			},
			{
				Name:  "restore",
				Usage: "Rebuild a volume from an archive in the bucket",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "path to configuration yaml file",
						Value: "s2b.yaml",
					},
					&cli.StringFlag{
						Name:     "key",
						Usage:    "Any object key of the archive to restore",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "tag",
						Usage: "Tag key written on the restored volume",
						Value: "snap-to-bucket",
					},
					&cli.StringFlag{
						Name:  "mount",
						Usage: "Directory under which the restored volume is mounted",
						Value: "/mnt/snaps",
					},
					&cli.StringFlag{
						Name:  "restore-dir",
						Usage: "Scratch directory for downloaded parts",
						Value: "/tmp/snap-to-bucket",
					},
					&cli.BoolFlag{
						Name:  "boot",
						Usage: "Prepare the restored volume as a boot disk",
					},
					&cli.BoolFlag{
						Name:  "verbose",
						Usage: "Log debug messages to the console",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runRestore(ctx, cmd.String("config"), cmd.String("key"),
						cmd.String("tag"), cmd.String("mount"), cmd.String("restore-dir"),
						cmd.Bool("boot"), cmd.Bool("verbose"))
				},
			},
			{
				Name:  "list",
				Usage: "List archives held in the bucket",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "path to configuration yaml file",
						Value: "s2b.yaml",
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "Only list archives of this snapshot name",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runList(ctx, cmd.String("config"), cmd.String("name"))
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		if ctx.Err() == context.Canceled {
			fmt.Fprintln(os.Stderr, "interrupted")
			os.Exit(130)
		}
		slog.Error("CLI error", "error", err)
		os.Exit(1)
	}
}
