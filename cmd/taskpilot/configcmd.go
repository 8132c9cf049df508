package main

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskpilot/internal/config"
)

func printConfigUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: taskpilot config show | set KEY VALUE | init")
}

// runConfigCommand needs no store, so it skips bootstrap.
func runConfigCommand(args []string, out io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(os.Stderr)
		return 2
	}
	home := config.HomeDir()

	switch args[0] {
	case "show":
		if len(args) != 1 {
			printConfigUsage(os.Stderr)
			return 2
		}
		cfg, err := config.LoadFrom(home)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			return 1
		}
		if cfg.Gateway.AuthToken != "" {
			cfg.Gateway.AuthToken = "********"
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "# %s (fingerprint %s)\n", config.ConfigPath(home), cfg.Fingerprint())
		_, _ = out.Write(data)
		return 0

	case "set":
		if len(args) != 3 {
			printConfigUsage(os.Stderr)
			return 2
		}
		path := config.ConfigPath(home)
		prev, readErr := os.ReadFile(path)
		if err := config.Set(home, args[1], args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			return 1
		}
		// Range and duration checks run on load; a rejected value is undone.
		if _, err := config.LoadFrom(home); err != nil {
			if readErr == nil {
				_ = os.WriteFile(path, prev, 0o644)
			} else {
				_ = os.Remove(path)
			}
			fmt.Fprintf(os.Stderr, "config: %s rejected: %v\n", args[1], err)
			return 1
		}
		fmt.Fprintf(out, "%s = %s\n", args[1], args[2])
		return 0

	case "init":
		if len(args) != 1 {
			printConfigUsage(os.Stderr)
			return 2
		}
		written, err := config.WriteDefault(home)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			return 1
		}
		if written {
			fmt.Fprintf(out, "wrote %s\n", config.ConfigPath(home))
		} else {
			fmt.Fprintf(out, "%s already exists\n", config.ConfigPath(home))
		}
		return 0

	default:
		printConfigUsage(os.Stderr)
		return 2
	}
}
