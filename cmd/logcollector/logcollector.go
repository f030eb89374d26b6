package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/usnistgov/rundaq"
	"github.com/usnistgov/rundaq/publish"
)

func main() {
	flags := pflag.CommandLine
	rundaq.CommonFlags(flags, "LogCollector", "tcp://46000")
	flags.String("logdir", filepath.Join(rundaq.DotDir(), "logs"), "directory of the collected log files")
	flags.String("publish", "", "ZMQ endpoint to publish log messages on (empty: none)")
	pflag.Parse()

	if err := rundaq.SetupViper(flags); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if viper.GetBool("version") {
		rundaq.PrintVersion("LogCollector")
		os.Exit(0)
	}
	name := viper.GetString("name")
	env, logfile, err := rundaq.NewProcessEnv(rundaq.TypeLogCollector, name, viper.GetString("loglevel"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logfile.Close()
	rundaq.ServeMetrics(env, viper.GetString("metrics"))

	lc, err := rundaq.NewLogCollector(name, env, viper.GetString("listen"), viper.GetString("logdir"))
	if err != nil {
		env.Log.Errorf("cannot start: %v", err)
		os.Exit(1)
	}
	defer lc.Close()
	env.Log.Infof("collecting logs in %s", lc.FileName())
	if endpoint := viper.GetString("publish"); endpoint != "" {
		pub, err := publish.NewPublisher(endpoint)
		if err != nil {
			env.Log.Errorf("cannot publish log messages: %v", err)
			os.Exit(1)
		}
		lc.SetPublisher(pub)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := lc.Serve(ctx, viper.GetString("runcontrol"), time.Second); err != nil {
		env.Log.Infof("stopped: %v", err)
	}
}
