package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cdproute/internal/config"
	"cdproute/pkg/model"
)

var (
	rootCmd = &cobra.Command{
		Use:           "cdproute",
		Short:         "Route and mock browser traffic over the Chrome DevTools Protocol.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Attach to a page and route its requests and websockets until interrupted.",
		RunE:  withApp(runRun),
	}
	targetsCmd = &cobra.Command{
		Use:   "targets",
		Short: "List page targets of the browser.",
		RunE:  withApp(runTargets),
	}
	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Print recently routed traffic.",
		RunE:  withApp(runHistory),
	}
)

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML config file.")
	rootCmd.PersistentFlags().String("devtools", "", "DevTools HTTP endpoint, overrides session.devToolsURL.")

	runCmd.Flags().StringP("rules", "r", "", "Path to the YAML rules file.")
	runCmd.Flags().StringP("target", "t", "", "Target ID to attach, defaults to the first page.")
	runCmd.Flags().String("ws-listen", "", "WebSocket relay listen address, overrides websocket.listen.")
	runCmd.Flags().String("metrics-listen", "", "Metrics listen address, overrides metrics.listen.")

	historyCmd.Flags().IntP("limit", "n", 20, "Number of records to print.")

	rootCmd.AddCommand(runCmd, targetsCmd, historyCmd)
}

// withApp 加载配置并创建应用，命令结束后关闭
func withApp(fn func(ctx context.Context, cmd *cobra.Command, app *App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("devtools"); v != "" {
			cfg.Session.DevToolsURL = v
		}
		if f := cmd.Flags().Lookup("ws-listen"); f != nil && f.Changed {
			cfg.WebSocket.Listen = f.Value.String()
		}
		if f := cmd.Flags().Lookup("metrics-listen"); f != nil && f.Changed {
			cfg.Metrics.Listen = f.Value.String()
		}

		app, err := NewApp(cfg)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		runErr := fn(ctx, cmd, app)

		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.Close(closeCtx); runErr == nil {
			runErr = err
		}
		return runErr
	}
}

func runRun(ctx context.Context, cmd *cobra.Command, app *App) error {
	rulesPath, _ := cmd.Flags().GetString("rules")
	target, _ := cmd.Flags().GetString("target")
	return app.Run(ctx, RunOptions{RulesPath: rulesPath, Target: model.TargetID(target)})
}

func runTargets(ctx context.Context, cmd *cobra.Command, app *App) error {
	targets, err := app.Targets(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tURL")
	for _, t := range targets {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.Title, t.URL)
	}
	return w.Flush()
}

func runHistory(ctx context.Context, cmd *cobra.Command, app *App) error {
	limit, _ := cmd.Flags().GetInt("limit")
	recs, counts, err := app.History(ctx, limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tMETHOD\tACTION\tSTATUS\tURL")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.CreatedAt.Format(time.DateTime), r.Type, r.Method, r.Action, r.Status, r.URL)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	actions := make([]string, 0, len(counts))
	for a := range counts {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	for _, a := range actions {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", a, counts[a])
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cdproute:", err)
		os.Exit(1)
	}
}
