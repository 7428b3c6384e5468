// Copyright 2025 The escrowd Authors
// This file is part of the escrowd library.
//
// The escrowd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The escrowd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the escrowd library. If not, see <http://www.gnu.org/licenses/>.

// escrowd is the coordinator daemon for operator-run P2P escrow trades.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/p2pmmx/escrowd/daemon"
)

const clientIdentifier = "escrowd"

// Version components, bumped by hand at release points.
const (
	versionMajor = 0
	versionMinor = 1
	versionPatch = 0
)

func version() string {
	return fmt.Sprintf("%d.%d.%d", versionMajor, versionMinor, versionPatch)
}

var app = &cli.App{
	Name:      clientIdentifier,
	Usage:     "escrow coordinator for P2P token trades",
	Version:   version(),
	Copyright: "Copyright 2025 The escrowd Authors",
	Flags:     appFlags,
	Action:    runEscrowd,
	Commands: []*cli.Command{
		runCommand,
		dumpConfigCommand,
		vaultsCommand,
		versionCommand,
	},
}

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Start the escrow coordinator (the default command)",
	Flags:  appFlags,
	Action: runEscrowd,
}

var versionCommand = &cli.Command{
	Name:   "version",
	Usage:  "Print version numbers",
	Action: printVersion,
}

func main() {
	// .env is the deployment format of the operator fleet; absence is fine.
	godotenv.Load()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runEscrowd assembles the daemon from the effective configuration and
// blocks until a termination signal.
func runEscrowd(c *cli.Context) error {
	if err := setupLogging(c); err != nil {
		return err
	}
	cfg, err := makeConfig(c)
	if err != nil {
		return err
	}

	ctx := context.Background()
	node, err := daemon.New(ctx, cfg, log.Root())
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)

	sig := <-sigc
	log.Info("Got interrupt, shutting down", "signal", sig)
	go func() {
		<-sigc
		log.Warn("Forcing shutdown on second interrupt")
		os.Exit(1)
	}()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return node.Stop(stopCtx)
}

func printVersion(*cli.Context) error {
	fmt.Println(clientIdentifier, "version", version())
	fmt.Println("Architecture:", runtime.GOARCH)
	fmt.Println("Go Version:", runtime.Version())
	fmt.Println("Operating System:", runtime.GOOS)
	return nil
}
