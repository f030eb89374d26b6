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
	"github.com/usnistgov/rundaq/publish"
)

func main() {
	flags := pflag.CommandLine
	rundaq.CommonFlags(flags, "DataCollector", "tcp://45000")
	flags.String("monitor", "", "ZMQ endpoint to publish merged events on (empty: none)")
	flags.Int("every", 10, "publish one data event in this many")
	pflag.Parse()

	if err := rundaq.SetupViper(flags); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if viper.GetBool("version") {
		rundaq.PrintVersion("DataCollector")
		os.Exit(0)
	}
	name := viper.GetString("name")
	env, logfile, err := rundaq.NewProcessEnv(rundaq.TypeDataCollector, name, viper.GetString("loglevel"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logfile.Close()
	rundaq.ServeMetrics(env, viper.GetString("metrics"))

	dc, err := rundaq.NewDataCollector(name, env, viper.GetString("listen"))
	if err != nil {
		env.Log.Errorf("cannot listen: %v", err)
		os.Exit(1)
	}
	defer dc.Close()
	if endpoint := viper.GetString("monitor"); endpoint != "" {
		pub, err := publish.NewPublisher(endpoint)
		if err != nil {
			env.Log.Errorf("cannot publish events: %v", err)
			os.Exit(1)
		}
		if err := dc.SetMonitor(rundaq.NewMonitorPublisher(pub, viper.GetInt("every"))); err != nil {
			env.Log.Errorf("%v", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := dc.Serve(ctx, viper.GetString("runcontrol"), time.Second); err != nil {
		env.Log.Infof("stopped: %v", err)
	}
}
