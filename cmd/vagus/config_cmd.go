package main

import (
	"flag"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/config"
)

// runConfigCmd implements `vagus config <validate|show> --file <path>`.
// show prints the effective config after defaults and environment
// overrides, with secrets redacted.
func runConfigCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: vagus config <validate|show> --file <path>")
		return 2
	}
	sub := args[0]
	if sub != "validate" && sub != "show" {
		_, _ = fmt.Fprintf(stderr, "Unknown config subcommand: %s\n", sub)
		return 2
	}

	cmd := flag.NewFlagSet("config "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var file string
	cmd.StringVar(&file, "file", "", "Path to the YAML config file")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	cfg, err := config.Load(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if sub == "validate" {
		_, _ = fmt.Fprintf(stdout, "%sOK%s config version %s\n", ColorGreen, ColorReset, cfg.Version)
		return 0
	}

	for _, secret := range []*string{&cfg.Auth.JWTSecret, &cfg.Redis.Password, &cfg.Database.DSN} {
		if *secret != "" {
			*secret = "REDACTED"
		}
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = stdout.Write(out)
	return 0
}
