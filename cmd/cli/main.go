package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"safe-python-sandbox/internal/api"
)

var (
	serverURL  string
	apiKey     string
	timeout    time.Duration
	memoryMB   int64
	stdinFile  string
	async      bool
	jsonOutput bool
	parallel   int
	status     string
	limit      int
)

// exitCodeError carries the sandboxed program's exit status out of a command.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sandbox-cli",
		Short:         "CLI client for safe-python-sandbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SANDBOX_API_KEY"), "API key")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON responses")

	// Execute command
	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute Python code (reads stdin when no code is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	addExecFlags(execCmd)
	execCmd.Flags().BoolVar(&async, "async", false, "Submit and print the execution id without waiting")
	root.AddCommand(execCmd)

	// Execute from files
	execFileCmd := &cobra.Command{
		Use:   "exec-file <file>...",
		Short: "Execute one or more Python files concurrently",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runExecFile,
	}
	addExecFlags(execFileCmd)
	execFileCmd.Flags().IntVarP(&parallel, "parallel", "p", 4, "Maximum concurrent executions")
	root.AddCommand(execFileCmd)

	root.AddCommand(&cobra.Command{
		Use:   "status <id>",
		Short: "Show the state of an execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	})
	root.AddCommand(&cobra.Command{
		Use:   "result <id>",
		Short: "Print the captured output of a finished execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runResult,
	})
	root.AddCommand(&cobra.Command{
		Use:   "kill <id>",
		Short: "Terminate a running execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runKill,
	})
	root.AddCommand(&cobra.Command{
		Use:   "watch <id>",
		Short: "Follow status changes of an execution until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	})
	root.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Drop finished executions from the server",
		Args:  cobra.NoArgs,
		RunE:  runCleanup,
	})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List executions tracked by the server",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&status, "status", "", "Only show executions in this state")
	root.AddCommand(listCmd)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Query archived executions",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}
	historyCmd.Flags().StringVar(&status, "status", "", "Only show executions in this state")
	historyCmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	root.AddCommand(historyCmd)

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE:  runHealth,
	})

	return root
}

func addExecFlags(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Execution timeout (server default when zero)")
	cmd.Flags().Int64Var(&memoryMB, "memory", 0, "Memory limit in MB (server ceiling when zero)")
	cmd.Flags().StringVar(&stdinFile, "stdin-file", "", "File passed to the program as standard input")
}

func apiClient() *client {
	// Leave room for the longest server-side timeout.
	return newClient(serverURL, apiKey, 6*time.Minute)
}

func buildRequest(code string) (api.ExecutionRequest, error) {
	req := api.ExecutionRequest{
		Code:          code,
		Timeout:       api.Duration{Duration: timeout},
		MemoryLimitMB: memoryMB,
	}
	if stdinFile != "" {
		data, err := os.ReadFile(stdinFile)
		if err != nil {
			return req, fmt.Errorf("reading stdin file: %w", err)
		}
		req.Stdin = string(data)
	}
	return req, nil
}

func runExec(cmd *cobra.Command, args []string) error {
	var code string
	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}

	req, err := buildRequest(code)
	if err != nil {
		return err
	}
	c := apiClient()

	if async {
		sub, err := c.submit(cmd.Context(), req)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), sub)
		}
		fmt.Fprintln(cmd.OutOrStdout(), sub.ID)
		printEvents(cmd.ErrOrStderr(), sub.SecurityEvents)
		return nil
	}

	resp, err := c.execute(cmd.Context(), req)
	if err != nil {
		return err
	}
	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
			return err
		}
	} else {
		printExecution(cmd.OutOrStdout(), cmd.ErrOrStderr(), resp)
	}
	return exitStatus(resp)
}

type fileResult struct {
	path string
	resp *api.ExecutionResponse
	err  error
}

func runExecFile(cmd *cobra.Command, args []string) error {
	c := apiClient()
	results := make([]fileResult, len(args))

	g, ctx := errgroup.WithContext(cmd.Context())
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, path := range args {
		results[i].path = path
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			req, err := buildRequest(string(data))
			if err != nil {
				return err
			}
			// Per-file API failures are reported, not fatal to the batch.
			results[i].resp, results[i].err = c.execute(ctx, req)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if jsonOutput {
		out := make(map[string]any, len(results))
		for _, r := range results {
			if r.err != nil {
				out[r.path] = map[string]string{"error": r.err.Error()}
			} else {
				out[r.path] = r.resp
			}
		}
		if err := printJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
	}

	failed := 0
	for _, r := range results {
		if !jsonOutput {
			fmt.Fprintf(cmd.OutOrStdout(), "==> %s <==\n", r.path)
		}
		switch {
		case r.err != nil:
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", r.path, r.err)
		default:
			if !jsonOutput {
				printExecution(cmd.OutOrStdout(), cmd.ErrOrStderr(), r.resp)
			}
			if exitStatus(r.resp) != nil {
				failed++
			}
		}
	}
	if failed > 0 {
		return &exitCodeError{code: 1}
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := apiClient().execution(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "id:       %s\n", resp.ID)
	fmt.Fprintf(w, "status:   %s\n", resp.Status)
	fmt.Fprintf(w, "started:  %s\n", resp.StartedAt.Format(time.RFC3339))
	if resp.FinishedAt != nil {
		fmt.Fprintf(w, "finished: %s\n", resp.FinishedAt.Format(time.RFC3339))
	}
	if resp.PID != 0 {
		fmt.Fprintf(w, "pid:      %d\n", resp.PID)
	}
	if resp.Result != nil {
		fmt.Fprintf(w, "exit:     %d\n", resp.Result.ExitCode)
	}
	if resp.Error != "" {
		fmt.Fprintf(w, "error:    %s\n", resp.Error)
	}
	return nil
}

func runResult(cmd *cobra.Command, args []string) error {
	res, err := apiClient().result(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
	fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
	if res.ExitCode != 0 {
		return &exitCodeError{code: clampExit(res.ExitCode)}
	}
	return nil
}

func runKill(cmd *cobra.Command, args []string) error {
	resp, err := apiClient().kill(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", resp.ID, resp.Status)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	var final *api.ExecutionResponse
	err := apiClient().events(cmd.Context(), args[0], func(event, data string) error {
		switch event {
		case "status":
			var s struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal([]byte(data), &s); err != nil {
				return fmt.Errorf("decoding status event: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", time.Now().Format(time.TimeOnly), s.Status)
		case "done":
			final = &api.ExecutionResponse{}
			if err := json.Unmarshal([]byte(data), final); err != nil {
				return fmt.Errorf("decoding done event: %w", err)
			}
		case "error":
			return errors.New(data)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if final == nil {
		return errors.New("stream ended before the execution finished")
	}
	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), final); err != nil {
			return err
		}
	} else {
		printExecution(cmd.OutOrStdout(), cmd.ErrOrStderr(), final)
	}
	return exitStatus(final)
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	var resp api.CleanupResponse
	if err := apiClient().do(cmd.Context(), http.MethodPost, "/cleanup", nil, &resp); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d executions\n", resp.Removed)
	return nil
}

func runList(cmd *cobra.Command, _ []string) error {
	path := "/executions"
	if status != "" {
		path += "?status=" + status
	}
	var resp api.ListResponse
	if err := apiClient().do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	for _, e := range resp.Executions {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s %s\n", e.ID, e.Status, e.StartedAt.Format(time.RFC3339))
	}
	return nil
}

func runHistory(cmd *cobra.Command, _ []string) error {
	path := fmt.Sprintf("/history?limit=%d", limit)
	if status != "" {
		path += "&status=" + status
	}
	var rows []map[string]any
	if err := apiClient().do(cmd.Context(), http.MethodGet, path, nil, &rows); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), rows)
}

func runHealth(cmd *cobra.Command, _ []string) error {
	c := apiClient()
	req, err := c.newRequest(cmd.Context(), http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	// A degraded server answers 503 with the same body.
	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding health: %w", err)
	}
	if err := printJSON(cmd.OutOrStdout(), health); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &exitCodeError{code: 1}
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(formatted))
	return err
}

func printExecution(stdout, stderr io.Writer, resp *api.ExecutionResponse) {
	if resp.Result != nil {
		fmt.Fprint(stdout, resp.Result.Stdout)
		fmt.Fprint(stderr, resp.Result.Stderr)
	}
	summary := fmt.Sprintf("[%s] status=%s", resp.ID, resp.Status)
	if resp.Result != nil {
		summary += fmt.Sprintf(" exit=%d duration=%s", resp.Result.ExitCode, resp.Result.Duration)
		if resp.Result.Truncated {
			summary += " truncated"
		}
	}
	if resp.Error != "" {
		summary += " error=" + resp.Error
	}
	fmt.Fprintln(stderr, summary)
	printEvents(stderr, resp.SecurityEvents)
}

func printEvents(w io.Writer, events []api.SecurityEvent) {
	for _, e := range events {
		fmt.Fprintf(w, "warning: %s (%s) %s\n", e.Type, e.Severity, e.Detail)
	}
}

// exitStatus maps a finished execution onto the CLI's exit code.
func exitStatus(resp *api.ExecutionResponse) error {
	switch {
	case resp.Status == "completed":
		return nil
	case resp.Result != nil && resp.Result.ExitCode > 0:
		return &exitCodeError{code: clampExit(resp.Result.ExitCode)}
	case resp.Status == "timed_out":
		return &exitCodeError{code: 124}
	case resp.Status == "killed":
		return &exitCodeError{code: 137}
	default:
		return &exitCodeError{code: 1}
	}
}

func clampExit(code int) int {
	if code < 1 || code > 255 {
		return 1
	}
	return code
}
