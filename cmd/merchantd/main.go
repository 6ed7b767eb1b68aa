// merchantd is the merchant payment backend daemon. It loads the merchant
// configuration, opens the database, wires the backend modules together and
// serves the frontend-facing HTTP API until it receives a stop signal.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"gitlab.com/NebulousLabs/errors"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/api"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/build"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/config"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules/auditor"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules/exchange"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules/instance"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules/merchantdb"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules/payments"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/persist"
)

var (
	configPath string
	dbPath     string
	logPath    string
)

// expand resolves a leading ~ in a user-supplied path.
func expand(path string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", errors.AddContext(err, "unable to expand "+path)
	}
	return expanded, nil
}

// runDaemon assembles the backend and serves until a stop signal arrives.
func runDaemon() error {
	path, err := expand(configPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.AddContext(err, "unable to read configuration")
	}
	cfg, err := config.Parse(string(data))
	if err != nil {
		return errors.AddContext(err, "unable to parse configuration")
	}

	logFile, err := expand(logPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		return errors.AddContext(err, "unable to create data directory")
	}
	log, err := persist.NewLogger(logFile)
	if err != nil {
		return errors.AddContext(err, "unable to open log file")
	}

	dbFile, err := expand(dbPath)
	if err != nil {
		return err
	}
	store, err := merchantdb.New(dbFile)
	if err != nil {
		return errors.AddContext(err, "unable to open database")
	}

	registry, err := instance.New(cfg, log)
	if err != nil {
		return errors.AddContext(err, "unable to load merchant instances")
	}
	trust, err := auditor.New(cfg)
	if err != nil {
		return errors.AddContext(err, "unable to load auditor trust set")
	}
	pool, err := exchange.New(cfg, store, log)
	if err != nil {
		return errors.AddContext(err, "unable to start exchange pool")
	}
	p, err := payments.New(cfg, registry, trust, pool, store, log)
	if err != nil {
		return errors.AddContext(err, "unable to start payment core")
	}

	// The server closes the pool, the store and the logger after the
	// listener, so no handler loses its backends mid-request.
	srv, err := api.NewServer(cfg, p, log, pool, store, log)
	if err != nil {
		return errors.AddContext(err, "unable to start api server")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("received %v, shutting down", sig)
		if err := srv.Close(); err != nil {
			log.Printf("error during shutdown: %v", err)
		}
	}()

	log.Printf("merchantd v%s started", build.Version)
	return srv.Serve()
}

func startDaemon(cmd *cobra.Command, args []string) {
	if err := runDaemon(); err != nil {
		fmt.Fprintln(os.Stderr, "merchantd:", err)
		os.Exit(1)
	}
}

func versionCmd(cmd *cobra.Command, args []string) {
	fmt.Println("merchantd v" + build.Version)
}

func main() {
	root := &cobra.Command{
		Use:   os.Args[0],
		Short: "merchantd v" + build.Version,
		Long:  "merchant payment backend daemon v" + build.Version,
		Run:   startDaemon,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run:   versionCmd,
	})

	root.Flags().StringVarP(&configPath, "config", "c", "~/.merchantd/merchant.conf", "configuration file")
	root.Flags().StringVarP(&dbPath, "db", "d", "~/.merchantd/merchant.db", "database file")
	root.Flags().StringVarP(&logPath, "log", "l", "~/.merchantd/merchantd.log", "log file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
