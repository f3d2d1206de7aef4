package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"signalbridge/cmd/refresher"
	"signalbridge/cmd/serve"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Name = "SignalBridge CMD"
	app.Usage = "The SignalBridge command line interface"

	app.Commands = []cli.Command{
		serveCMD,
		refresherCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	serveCMD = cli.Command{
		Name:        "serve",
		Usage:       "run the webhook ingestion service",
		Action:      serveAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the full service: webhook ingestion, strategy fan-out, token refresh, and the event feed`,
	}
	refresherCMD = cli.Command{
		Name:        "refresher",
		Usage:       "run the standalone token refresher",
		Action:      refresherAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run only the broker token refresh loop`,
	}
)

func serveAction(_ *cli.Context) error {
	logrus.Info("Starting serve CMD")

	srv := &serve.Serve{}
	if err := srv.Start(); err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}

	return nil
}

func refresherAction(_ *cli.Context) error {
	logrus.Info("Starting refresher CMD")

	ref := &refresher.Refresher{}
	if err := ref.Start(); err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}

	return nil
}
