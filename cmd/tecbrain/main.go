package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"tecbrain/internal/app"
	"tecbrain/internal/config"
	logx "tecbrain/pkg/logx"
)

const usage = `usage:
  tecbrain [run] [-config ./config.yaml]
  tecbrain add-account [-config ./config.yaml] [-keyring] <name> <username> <password> <chat_id> [root_folder]`

func main() {
	// .env is optional; real environment variables win
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal: .env:", err)
		os.Exit(1)
	}

	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && (args[0] == "run" || args[0] == "add-account") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "add-account":
		err = addAccount(args)
	default:
		err = run(args)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config (json or yaml)")
	_ = fs.Parse(args)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.New(ctx, *cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	fatal := a.Err()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil && fatal == nil {
		return err
	}
	return fatal
}

func addAccount(args []string) error {
	fs := flag.NewFlagSet("add-account", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config (json or yaml)")
	useKeyring := fs.Bool("keyring", false, "keep the password in the OS keyring instead of the database")
	fs.Usage = func() { fmt.Fprintln(fs.Output(), usage) }
	_ = fs.Parse(args)

	pos := fs.Args()
	if len(pos) < 4 {
		fs.Usage()
		return errors.New("add-account: missing arguments")
	}
	chatID, err := strconv.ParseInt(pos[3], 10, 64)
	if err != nil {
		return fmt.Errorf("add-account: chat_id %q: %w", pos[3], err)
	}
	in := app.AccountInput{
		Name:       pos[0],
		Username:   pos[1],
		Password:   pos[2],
		ChatID:     chatID,
		UseKeyring: *useKeyring,
	}
	if len(pos) > 4 {
		in.RootFolder = pos[4]
	}

	cfgm := config.NewConfigManager(*cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return err
	}
	log := logx.NewConsole("warn")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	acc, err := app.AddAccount(ctx, cfg, in, log)
	if err != nil {
		return err
	}
	fmt.Printf("account %s (%s) saved: id=%s chat=%d\n", acc.Name, acc.SourceUsername, acc.ID, acc.ChatID)
	return nil
}
