package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mdsched/internal/app"
	"mdsched/internal/config"
)

func main() {
	var (
		cfgPath string
		mode    string
		root    string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.StringVar(&mode, "mode", "", "preparation variant: protein|complex (or legacy 0|1); overrides config")
	flag.StringVar(&root, "root", "", "project root containing system directories; overrides config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if root != "" {
		cfg.Root = root
	}

	settings, err := cfg.Resolve()
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	a, err := app.New(settings)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		if errors.Is(err, app.ErrNoSystems) {
			fmt.Println("fatal: no eligible system directories found")
		} else {
			fmt.Println("fatal:", err)
		}
		os.Exit(1)
	}
}
