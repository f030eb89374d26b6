// Command producer runs a Producer reading a simulated detector.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/usnistgov/rundaq"
)

func main() {
	flags := pflag.CommandLine
	rundaq.CommonFlags(flags, "Producer", "")
	flags.Int("queue", 1024, "events buffered between readout and sending")
	pflag.Parse()

	if err := rundaq.SetupViper(flags); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if viper.GetBool("version") {
		rundaq.PrintVersion("Producer")
		os.Exit(0)
	}
	name := viper.GetString("name")
	if name == "" {
		fmt.Fprintln(os.Stderr, "a Producer needs a --name")
		os.Exit(1)
	}
	env, logfile, err := rundaq.NewProcessEnv(rundaq.TypeProducer, name, viper.GetString("loglevel"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logfile.Close()
	rundaq.ServeMetrics(env, viper.GetString("metrics"))

	p := rundaq.NewProducer(name, env, rundaq.NewSimulatedSource(), viper.GetInt("queue"))
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := p.Serve(ctx, viper.GetString("runcontrol"), time.Second); err != nil {
		env.Log.Infof("stopped: %v", err)
	}
}
