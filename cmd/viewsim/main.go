// Package main implements the viewsim CLI tool.
//
// The viewsim tool replays scripted access scenarios against the view
// layer's coherence analysis and reports which accesses had to wait and
// which ran immediately. It exists to answer "what does the dependence
// analysis do with this access pattern" without writing a test:
//
//  1. Parsing a YAML scenario (regions, instances, accesses)
//  2. Spinning up an in-process cluster of address spaces
//  3. Registering each access in script order
//  4. Printing the resulting wait decisions and issued data movement
//
// Usage:
//
//	viewsim run scenario.yaml    # Replay a scenario
//	viewsim version              # Show version information
//
// This is the CLI entry point for the simulator.
package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "run":
		runCommand(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("viewsim version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`viewsim - Region View Coherence Simulator

USAGE:
    viewsim <command> [arguments]

COMMANDS:
    run        Replay a scenario file
    version    Show version information
    help       Show this help message

EXAMPLES:
    # Replay a scenario and print wait decisions
    viewsim run scenario.yaml

    # Replay with message tracing
    viewsim run -log debug scenario.yaml
`)
}
