package rundaq

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// MakeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func MakeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		err2 := os.MkdirAll(dir, 0775)
		if err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// DotDir returns ~/.rundaq, where configuration, logs and run state live.
func DotDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
		return ".rundaq"
	}
	return filepath.Join(home, ".rundaq")
}

// CommonFlags adds the flags every rundaq process accepts.
func CommonFlags(flags *pflag.FlagSet, role string, listen string) {
	flags.StringP("runcontrol", "r", fmt.Sprintf("tcp://localhost:%d", Ports.Control), "address of RunControl")
	flags.StringP("listen", "a", listen, "address to listen on")
	flags.StringP("name", "n", "", "name of this "+role)
	flags.StringP("loglevel", "l", LevelInfo.String(), "minimum level of the local log")
	flags.String("metrics", "", "address to serve Prometheus metrics on (empty: none)")
	flags.Bool("version", false, "print version and quit")
}

// SetupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults. Command-line flags,
// when given, take precedence over the file.
func SetupViper(flags *pflag.FlagSet) error {
	viper.SetDefault("Verbose", false)

	dot := DotDir()
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := MakeFileExist(dot, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(filepath.FromSlash("/etc/rundaq"))
	viper.AddConfigPath(dot)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	if flags != nil {
		if err := viper.BindPFlags(flags); err != nil {
			return err
		}
	}
	return nil
}

// StartLogger returns a writer to the rotating log file pfname.
func StartLogger(pfname string) (io.WriteCloser, error) {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("could not open log file '%s': %w", pfname, err)
	}
	probFile.Close()
	return &lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	}, nil
}

// NewProcessEnv builds the Env of a process of type senderType: a Logger
// writing to the terminal and to ~/.rundaq/logs/<role>.log.
func NewProcessEnv(senderType, senderName, level string) (*Env, io.Closer, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	role := strings.ToLower(senderType)
	logname, err := MakeFileExist(filepath.Join(DotDir(), "logs"), role+".log")
	if err != nil {
		return nil, nil, err
	}
	file, err := StartLogger(logname)
	if err != nil {
		return nil, nil, err
	}
	log := NewLogger(io.MultiWriter(os.Stderr, file), senderType, senderName)
	log.SetLevel(lvl)
	fmt.Fprintf(os.Stderr, "Logging to %s\n", logname)
	return NewEnv(log, role), file, nil
}

// ServeMetrics serves env's metrics on addr at /metrics until the process
// exits. An empty addr does nothing.
func ServeMetrics(env *Env, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", env.Metrics.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			env.Log.Errorf("metrics server: %v", err)
		}
	}()
}

// PrintVersion prints the build information of a rundaq program.
func PrintVersion(program string) {
	fmt.Printf("This is %s, rundaq version %s\n", program, Build.Version)
	fmt.Printf("Git commit hash: %s\n", Build.Githash)
	fmt.Printf("Build time: %s\n", Build.Date)
}
