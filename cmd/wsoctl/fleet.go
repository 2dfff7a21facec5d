package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wso-systems/wsod/internal/health"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the current fleet state",
	RunE:  runState,
}

var scaleCmd = &cobra.Command{
	Use:   "scale N",
	Short: "Set the desired fleet size",
	Args:  cobra.ExactArgs(1),
	RunE:  runScale,
}

var probeCmd = &cobra.Command{
	Use:   "probe IP PORT",
	Short: "Run a single TCP health probe against a VM",
	Long: `Attempt one TCP connect to IP:PORT with the standard probe timeout,
the same check the daemon's health prober runs. Useful for diagnosing a VM
the daemon reports unhealthy.`,
	Args: cobra.ExactArgs(2),
	RunE: runProbe,
}

func runState(cmd *cobra.Command, args []string) error {
	body, err := sendCommand("state")
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, bytes.TrimSpace([]byte(body)), "", "  "); err != nil {
		// Not JSON after all; print it as-is rather than hiding it.
		fmt.Print(body)
		return nil
	}

	fmt.Println(pretty.String())
	return nil
}

func runScale(cmd *cobra.Command, args []string) error {
	if _, err := strconv.Atoi(args[0]); err != nil {
		return fmt.Errorf("scale expects an integer, got %q", args[0])
	}

	body, err := sendCommand("scale " + args[0])
	if err != nil {
		return err
	}

	fmt.Print(body)
	return nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	port, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("probe expects a numeric port, got %q", args[1])
	}

	if err := health.Probe(cmd.Context(), args[0], port, health.DefaultTimeout); err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}

	fmt.Printf("%s:%d is reachable\n", args[0], port)
	return nil
}
