// Command ndsctl exposes the NDS admin command surface (flush, snapshot,
// preload, clearstats, memkeys) from the shell, the way the surrounding
// server would dispatch the `NDS` admin subcommands.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/ndsdb/nds"
	"github.com/ndsdb/nds/log"
)

var configFlag = &cli.StringFlag{
	Name:  "nds.config",
	Usage: "Path to the NDS TOML configuration file",
}

func main() {
	app := &cli.App{
		Name:  "ndsctl",
		Usage: "Administer an NDS write-behind disk store",
		Flags: []cli.Flag{configFlag},
		Commands: []*cli.Command{
			flushCommand,
			snapshotCommand,
			preloadCommand,
			clearstatsCommand,
			memkeysCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore(c *cli.Context) (*nds.Store, error) {
	path := c.String(configFlag.Name)
	var cfg nds.Config
	var err error
	if path != "" {
		cfg, err = nds.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("ndsctl: load config: %w", err)
		}
	} else {
		cfg = nds.DefaultConfig()
	}
	return nds.Open(cfg)
}

var flushCommand = &cli.Command{
	Name:  "flush",
	Usage: "Flush every dirty key to disk and wait for completion",
	Action: func(c *cli.Context) error {
		s, err := openStore(c)
		if err != nil {
			return err
		}
		if err := s.Flush(context.Background()); err != nil {
			return fmt.Errorf("ndsctl: flush: %w", err)
		}
		log.Info("flush complete")
		return nil
	},
}

var snapshotCommand = &cli.Command{
	Name:  "snapshot",
	Usage: "Flush then copy the disk store into the snapshot directory",
	Action: func(c *cli.Context) error {
		s, err := openStore(c)
		if err != nil {
			return err
		}
		if err := s.Snapshot(context.Background()); err != nil {
			return fmt.Errorf("ndsctl: snapshot: %w", err)
		}
		log.Info("snapshot complete")
		return nil
	},
}

var preloadCommand = &cli.Command{
	Name:  "preload",
	Usage: "Fault every on-disk key into memory",
	Action: func(c *cli.Context) error {
		s, err := openStore(c)
		if err != nil {
			return err
		}
		if err := s.Preload(context.Background()); err != nil {
			return fmt.Errorf("ndsctl: preload: %w", err)
		}
		log.Info("preload complete")
		return nil
	},
}

var clearstatsCommand = &cli.Command{
	Name:  "clearstats",
	Usage: "Zero cache-hit/cache-miss counters",
	Action: func(c *cli.Context) error {
		s, err := openStore(c)
		if err != nil {
			return err
		}
		s.ClearStats()
		log.Info("stats cleared")
		return nil
	},
}

var memkeysCommand = &cli.Command{
	Name:      "memkeys",
	Usage:     "List the keys currently resident in memory for a database",
	ArgsUsage: "<db>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return cli.Exit("memkeys requires exactly one argument: <db>", 1)
		}
		db, err := strconv.Atoi(c.Args().First())
		if err != nil {
			return cli.Exit("memkeys: db must be an integer", 1)
		}
		s, err := openStore(c)
		if err != nil {
			return err
		}
		for _, k := range s.MemKeys(db) {
			fmt.Println(string(k))
		}
		return nil
	},
}
