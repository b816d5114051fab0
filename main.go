package main

import (
	"os"
	"strings"

	"github.com/urfave/cli"

	"github.com/vaultlet/vaultlet/server"
)

func main() {
	app := cli.NewApp()
	app.Name = "vaultlet"
	app.Usage = "Encrypted vault storage worker"
	app.Version = server.Version
	app.Flags = getFlags()
	app.Action = func(c *cli.Context) error {
		config, err := server.NewConfig(c.String("config"))
		if err != nil {
			return err
		}
		if c.IsSet("storage-path") {
			config.StoragePath = c.String("storage-path")
		}
		if c.IsSet("socket") {
			config.Socket = c.String("socket")
		}
		if c.IsSet("level") {
			level, err := server.GetLogLevel(c.String("level"))
			if err != nil {
				return err
			}
			config.LogLevel = level
		}
		if c.IsSet("nats-servers") {
			natsServers, err := normalizeNatsServers(c.StringSlice("nats-servers"))
			if err != nil {
				return err
			}
			config.Pairing.NATSServers = natsServers
		}
		if c.IsSet("embed-nats") {
			config.Pairing.Embedded = c.Bool("embed-nats")
		}
		if c.IsSet("mirror") {
			config.DefaultMirrors = c.StringSlice("mirror")
		}
		if err := config.Validate(); err != nil {
			return err
		}

		s := server.New(config)
		if err := s.Start(); err != nil {
			return err
		}
		<-s.Done()
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

func getFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "load configuration from `FILE`",
		},
		cli.StringFlag{
			Name:  "storage-path, d",
			Usage: "store vaults under `DIR`",
		},
		cli.StringFlag{
			Name:  "socket, s",
			Usage: "serve on the unix socket at `PATH`, or \"-\" for stdio",
			Value: server.StdioSocket,
		},
		cli.StringFlag{
			Name:  "level, l",
			Usage: "logging level [debug|info|warn|error]",
			Value: "info",
		},
		cli.StringSliceFlag{
			Name:  "nats-servers, n",
			Usage: "connect to NATS servers at `ADDR` for pairing (comma separated, repeatable)",
		},
		cli.BoolFlag{
			Name:  "embed-nats",
			Usage: "run an embedded NATS server for pairing",
		},
		cli.StringSliceFlag{
			Name:  "mirror",
			Usage: "default blind mirror `KEY` (repeatable)",
		},
	}
}

// normalizeNatsServers splits comma separated entries and trims spaces.
func normalizeNatsServers(natsServers []string) ([]string, error) {
	var servers []string
	for _, entry := range natsServers {
		for _, server := range strings.Split(entry, ",") {
			server = strings.TrimSpace(server)
			if server == "" {
				continue
			}
			servers = append(servers, server)
		}
	}
	return servers, nil
}
