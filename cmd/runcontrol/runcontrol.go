package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/usnistgov/rundaq"
	"github.com/usnistgov/rundaq/internal/rundb"
	"github.com/usnistgov/rundaq/publish"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

func main() {
	rundaq.Build.Date = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	rundaq.Build.Githash = githash
	rundaq.Build.Gitdate = gitdate
	rundaq.Build.Summary = fmt.Sprintf("rundaq version %s (git commit %s of %s)", rundaq.Build.Version, githash, gitdate)

	flags := pflag.CommandLine
	rundaq.CommonFlags(flags, "RunControl", fmt.Sprintf("tcp://%d", rundaq.Ports.Control))
	flags.String("rpc", fmt.Sprintf(":%d", rundaq.Ports.RPC), "address of the JSON-RPC operator service")
	flags.String("status", publish.Endpoint(rundaq.Ports.Status), "ZMQ endpoint to publish status on (empty: none)")
	flags.String("runstate", filepath.Join(rundaq.DotDir(), "runstate.txt"), "file keeping the run number")
	flags.String("db", "", "ClickHouse address for run bookkeeping (empty: none)")
	flags.StringP("init", "i", "", "init settings file sent when every component has connected")
	flags.StringP("config", "c", "", "run settings file sent after init")
	flags.Int("geoid", 0, "geometry id sent with the run settings")
	pflag.Parse()

	if err := rundaq.SetupViper(flags); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if viper.GetBool("version") {
		rundaq.PrintVersion("RunControl")
		os.Exit(0)
	}
	env, logfile, err := rundaq.NewProcessEnv(rundaq.TypeRunControl, viper.GetString("name"), viper.GetString("loglevel"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logfile.Close()
	env.Log.Infof("%s", rundaq.Build.Summary)
	rundaq.ServeMetrics(env, viper.GetString("metrics"))

	runState, err := rundaq.LoadRunState(viper.GetString("runstate"))
	if err != nil {
		env.Log.Errorf("%v", err)
		os.Exit(1)
	}
	if !runState.CleanExit {
		env.Log.Infof("resuming after run %d", runState.RunNumber)
	}

	abort := make(chan struct{})
	db := rundb.DummyConnection()
	if addr := viper.GetString("db"); addr != "" {
		db = rundb.StartConnection(addr, rundaq.NewActivity(), abort)
		if !db.IsConnected() {
			env.Log.Warnf("run database at %s unavailable: %v", addr, db.Err())
		}
	}

	rc, err := rundaq.NewRunControl(env, viper.GetString("listen"), runState, db)
	if err != nil {
		env.Log.Errorf("cannot listen: %v", err)
		os.Exit(1)
	}
	env.Log.Infof("listening on %s", rc.Address())

	if endpoint := viper.GetString("status"); endpoint != "" {
		pub, err := publish.NewPublisher(endpoint)
		if err != nil {
			env.Log.Errorf("cannot publish status: %v", err)
			os.Exit(1)
		}
		updates := make(chan rundaq.ClientUpdate, 16)
		rc.SetClientUpdates(updates)
		go rundaq.RunClientUpdater(updates, pub, env.Log, 10*time.Second)
	}

	listener, err := rundaq.RunRPCServer(rc, viper.GetString("rpc"))
	if err != nil {
		env.Log.Errorf("%v", err)
		os.Exit(1)
	}
	defer listener.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if initFile := viper.GetString("init"); initFile != "" {
		go autoConfigure(rc, initFile, viper.GetString("config"), viper.GetInt("geoid"))
	}
	if err := rc.Run(ctx); err != nil {
		env.Log.Infof("stopping: %v", err)
	}
	rc.Close()
	close(abort)
	db.Wait()
	runState.SaveClean()
}

// autoConfigure sends the init settings, then the run settings, once the
// components have had time to connect.
func autoConfigure(rc *rundaq.RunControl, initFile, config string, geoID int) {
	time.Sleep(2 * rundaq.PollInterval)
	if err := rc.Initialise(initFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	if config == "" {
		return
	}
	if err := rc.WaitForAggregate(rundaq.StateUnconf, rundaq.StartTimeout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	if err := rc.Configure(config, geoID); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
