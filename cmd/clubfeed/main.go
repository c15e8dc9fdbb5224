// Command clubfeed rebuilds AllGram club feeds from Matrix rooms and Nostr
// channels and serves them over a JSON API.
package main

import (
	"fmt"
	"os"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"

	"github.com/allgram/clubfeed/internal/config"
)

func main() {
	app := &cli.App{
		Name:    "clubfeed",
		Usage:   "club feed reconstruction for Matrix rooms and Nostr channels",
		Version: versioninfo.Short(),
	}

	configFlag := &cli.StringFlag{
		Name:     "config",
		Aliases:  []string{"c"},
		Usage:    "path to configuration file",
		Required: true,
		EnvVars:  []string{"CLUBFEED_CONFIG"},
	}

	app.Commands = []*cli.Command{
		{
			Name:   "init",
			Usage:  "print an example configuration",
			Action: handleInit,
		},
		{
			Name:   "run",
			Usage:  "follow every configured club and serve the feeds",
			Flags:  []cli.Flag{configFlag},
			Action: runServe,
		},
		{
			Name:  "dump",
			Usage: "load one club and print its posts as JSON",
			Flags: []cli.Flag{
				configFlag,
				&cli.StringFlag{
					Name:     "club",
					Usage:    "name of the club to load",
					Required: true,
				},
				&cli.IntFlag{
					Name:  "posts",
					Usage: "number of posts to load before printing",
					Value: 10,
				},
			},
			Action: runDump,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func handleInit(cctx *cli.Context) error {
	exampleConfig, err := config.GetExampleConfig()
	if err != nil {
		return fmt.Errorf("failed to read example config: %w", err)
	}
	_, err = cctx.App.Writer.Write(exampleConfig)
	return err
}
