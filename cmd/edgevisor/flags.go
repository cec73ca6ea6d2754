package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
}

type RunFlags struct {
	ConfigPath string
	LogLevel   string // overrides [log].level when set
}

type ValidateFlags struct {
	ConfigPath string
}

// APIFlags describe how to reach a running daemon.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
}

type StatusFlags struct {
	Name   string
	Output string // table, json or yaml
}

type HealthFlags struct {
	Output string
}
