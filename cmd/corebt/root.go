// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main implements corebt, a minimal command-line BitTorrent client
// exercising the peer wire protocol, piece manager, download coordinator,
// and tracker/DHT discovery core.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes, per the command-line surface contract: 0 on a completed (or
// interrupted-while-seeding) run, 1 on invalid input, 2 on a runtime
// failure such as every discovery channel being exhausted.
const (
	exitOK             = 0
	exitInvalidInput   = 1
	exitRuntimeFailure = 2
)

var flags struct {
	downloadDir string
	configFile  string
	listenPort  int
	downRate    int64
	upRate      int64
	logLevel    string
	noDHT       bool
	maxPeers    int
	ipv6        bool
}

func init() {
	rootCmd.Flags().StringVarP(&flags.downloadDir, "download-dir", "d", ".", "directory to download into")
	rootCmd.Flags().StringVarP(&flags.configFile, "config", "c", "", "optional yaml configuration file")
	rootCmd.Flags().IntVarP(&flags.listenPort, "listen-port", "p", 6881, "TCP port to listen for peer connections on")
	rootCmd.Flags().Int64Var(&flags.downRate, "download-rate", 0, "max download rate in bytes/sec, 0 = unlimited")
	rootCmd.Flags().Int64Var(&flags.upRate, "upload-rate", 0, "max upload rate in bytes/sec, 0 = unlimited")
	rootCmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.Flags().BoolVar(&flags.noDHT, "no-dht", false, "disable the DHT for trackerless discovery")
	rootCmd.Flags().IntVar(&flags.maxPeers, "max-peers", 0, "override the configured max simultaneous peer count (0 = use config default)")
	rootCmd.Flags().BoolVar(&flags.ipv6, "ipv6", true, "also listen on a tcp6 socket for the same port, best-effort")
}

var rootCmd = &cobra.Command{
	Use:   "corebt <torrent-or-magnet>",
	Short: "corebt downloads a single torrent as a peer in its swarm.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(args[0])
	},
	SilenceUsage: true,
}

// Execute runs the root command and returns a process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if ec, ok := err.(exitCodeError); ok {
			fmt.Fprintln(os.Stderr, ec.err)
			return ec.code
		}
		fmt.Fprintln(os.Stderr, err)
		return exitInvalidInput
	}
	return exitOK
}

// exitCodeError lets run() attach a specific process exit code to an error
// surfaced through cobra's RunE.
type exitCodeError struct {
	err  error
	code int
}

func (e exitCodeError) Error() string { return e.err.Error() }

func invalidInputf(format string, args ...interface{}) error {
	return exitCodeError{err: fmt.Errorf(format, args...), code: exitInvalidInput}
}

func runtimeFailuref(format string, args ...interface{}) error {
	return exitCodeError{err: fmt.Errorf(format, args...), code: exitRuntimeFailure}
}
