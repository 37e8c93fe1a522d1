// ABOUTME: CLI subcommands talking to a running gateway over its HTTP API
// ABOUTME: health checks readiness, agents lists bound agents, dispatch sends a task

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/mothership-gateway/internal/client"
	"github.com/2389/mothership-gateway/internal/gateway"
)

type clientFlags struct {
	url   string
	token string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "", "Gateway base URL (default from config http_addr)")
	cmd.Flags().StringVar(&f.token, "token", "", "Service bearer token (default $MOTHERSHIP_TOKEN)")
}

func (f *clientFlags) client() (*client.Client, error) {
	base := f.url
	if base == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		base = "http://" + cfg.Server.HTTPAddr
	}
	token := f.token
	if token == "" {
		token = os.Getenv("MOTHERSHIP_TOKEN")
	}
	return client.New(base, token), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func healthCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			if err := c.Health(cmd.Context()); err != nil {
				return fmt.Errorf("unhealthy: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func agentsCmd() *cobra.Command {
	var (
		flags      clientFlags
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List connected agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			agents, err := c.ListAgents(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, agents)
			}
			return printAgents(out, agents)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON")
	return cmd
}

func printAgents(out io.Writer, agents []gateway.AgentInfoResponse) error {
	if len(agents) == 0 {
		color.New(color.FgHiBlack).Fprintln(out, "no agents connected")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATE\tLAST HEARTBEAT")
	for _, a := range agents {
		state := "busy"
		if a.Available {
			state = "available"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Type, state, a.LastHeartbeat.Local().Format(time.TimeOnly))
	}
	return w.Flush()
}

func dispatchCmd() *cobra.Command {
	var (
		flags     clientFlags
		agentID   string
		agentType string
		taskType  string
		input     string
		wait      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Send a task to a connected agent, or to any available agent of a type",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := gateway.DispatchRequest{AgentID: agentID, AgentType: agentType, TaskType: taskType}
			if input != "" {
				if !json.Valid([]byte(input)) {
					return errors.New("--input must be JSON")
				}
				req.Input = json.RawMessage(input)
			}

			c, err := flags.client()
			if err != nil {
				return err
			}
			res, err := c.Dispatch(cmd.Context(), req, wait)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&agentID, "agent", "", "Target agent id")
	cmd.Flags().StringVar(&agentType, "agent-type", "", "Pick an available agent of this type")
	cmd.Flags().StringVar(&taskType, "type", "", "Task type")
	cmd.Flags().StringVar(&input, "input", "", "Task input as JSON")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for the result")
	cmd.MarkFlagsOneRequired("agent", "agent-type")
	cmd.MarkFlagsMutuallyExclusive("agent", "agent-type")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}
