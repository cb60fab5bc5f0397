package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/howardginsburg/mqttagent/internal/config"
	"github.com/howardginsburg/mqttagent/internal/settings"
)

// runSettings handles the "mqttagent settings" subcommand family. The
// store lives under the configured data directory; when no config file
// exists yet, the default data directory is used so settings can be
// seeded before first run.
func runSettings(w io.Writer, configPath string, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: mqttagent settings <list|get|set|delete> [args]")
	}

	dataDir := config.Default().DataDir
	if cfg, _, err := loadConfig(configPath); err == nil {
		dataDir = cfg.DataDir
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", dataDir, err)
	}

	store, err := settings.Open(filepath.Join(dataDir, "settings.db"))
	if err != nil {
		return fmt.Errorf("open settings store: %w", err)
	}
	defer store.Close()

	switch args[0] {
	case "list":
		keys, err := store.List()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Fprintln(w, "no settings stored")
			return nil
		}
		for _, key := range keys {
			value, err := store.Get(key)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s=%s\n", key, value)
		}
		return nil

	case "get":
		if len(args) != 2 {
			return errors.New("usage: mqttagent settings get <key>")
		}
		value, err := store.Get(args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(w, value)
		return nil

	case "set":
		if len(args) != 3 {
			return errors.New("usage: mqttagent settings set <key> <value>")
		}
		if err := store.Set(args[1], args[2]); err != nil {
			return err
		}
		fmt.Fprintf(w, "stored %s\n", args[1])
		return nil

	case "delete":
		if len(args) != 2 {
			return errors.New("usage: mqttagent settings delete <key>")
		}
		if err := store.Delete(args[1]); err != nil {
			return err
		}
		fmt.Fprintf(w, "deleted %s\n", args[1])
		return nil

	default:
		return fmt.Errorf("unknown settings command: %s", args[0])
	}
}
