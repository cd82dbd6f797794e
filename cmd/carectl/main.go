// Command carectl inspects and edits the reminder database of a carebot
// installation: rules, the delivery audit trail and the quote pool.
package main

import (
	"context"
	"fmt"
	"os"

	"carebot/internal/config"
	"carebot/internal/storage"
	logx "carebot/pkg/logx"
)

func main() {
	_ = config.LoadDotEnv()

	cfgPath := os.Getenv(config.EnvConfigPath)
	if cfgPath == "" {
		cfgPath = "./config.json"
	}
	if err := run(cfgPath, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "carectl:", err)
		os.Exit(1)
	}
}

func run(cfgPath string, args []string) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	sc := storage.Config{Driver: "sqlite", Path: "./carebot.db"}
	if s := cfg.Storage; s != nil {
		sc = storage.Config{Driver: s.Driver, Path: s.Path, DSN: s.DSN, MaxConns: s.MaxConns}
		if sc.Path == "" && (sc.Driver == "" || sc.Driver == "sqlite") {
			sc.Path = "./carebot.db"
		}
	}
	store, err := storage.Open(context.Background(), sc, logx.NewConsole("WARN"))
	if err != nil {
		return err
	}
	defer store.Close()
	return newCLIApp(store, os.Stdout).Run(args)
}
