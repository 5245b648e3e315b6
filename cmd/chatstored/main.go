package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vpires/chatstore/internal/app"
	"github.com/vpires/chatstore/internal/config"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "path to config.toml (default: ~/.chatstore/config.toml)")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		configPath = filepath.Join(home, ".chatstore", "config.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if err := config.Save(configPath, config.Default()); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
		}
	}

	fx.New(
		app.Module(app.Params{ConfigPath: configPath}),
	).Run()
}
