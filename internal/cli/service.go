package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tradedesk/internal/api"
	"tradedesk/internal/maintenance"
)

// maxRequestLine bounds one stdio request.
const maxRequestLine = 16 << 20

// addServiceCommands adds the method-contract commands.
func addServiceCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newCallCmd(app))
	rootCmd.AddCommand(newServeCmd(app))
}

func newCallCmd(app *App) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Invoke one ledger method",
		Example: `  tradedesk call stats
  tradedesk call listAgentMemory '{"kind":"signal","limit":5}'
  tradedesk call --list`,
		Args: func(cmd *cobra.Command, args []string) error {
			if list {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.RangeArgs(1, 2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if list {
				if output.IsJSON() {
					return output.JSON(api.Methods())
				}
				for _, m := range api.Methods() {
					output.Println(m)
				}
				return nil
			}

			ledger, err := app.Ledger(cmd.Context())
			if err != nil {
				return err
			}
			var params json.RawMessage
			if len(args) == 2 {
				params = json.RawMessage(args[1])
			}
			svc := api.NewService(ledger, app.Logger)
			res := svc.Dispatch(cmd.Context(), args[0], params)
			if err := output.JSON(res); err != nil {
				return err
			}
			if !res.OK {
				return fmt.Errorf("%s failed: %s", args[0], res.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list available methods")
	return cmd
}

func newServeCmd(app *App) *cobra.Command {
	var stdio bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the method contract to the desktop shell",
		Long: `Serve reads one JSON request per line from stdin and writes one JSON response
per line to stdout:

  {"id":1,"method":"reserve","params":{"dedupeKey":"sig-7:BUY","entry":{"kind":"order"}}}
  {"id":1,"ok":true,"data":{...}}

Requests are handled in arrival order; responses carry the request id. When
maintenance is enabled the cron jobs run for the life of the process. The
ledger is flushed on EOF or signal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !stdio {
				return fmt.Errorf("only --stdio transport is supported")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ledger, err := app.Ledger(ctx)
			if err != nil {
				return err
			}

			if app.Config.Maintenance.Enabled {
				sched, err := maintenance.Setup(app.Config.Maintenance, ledger, app.Logger)
				if err != nil {
					return err
				}
				sched.Start()
				defer sched.Stop()
			}

			svc := api.NewService(ledger, app.Logger)
			app.Logger.Info().Int("methods", len(api.Methods())).Msg("Serving on stdio")
			err = serveLines(ctx, svc, cmd.InOrStdin(), cmd.OutOrStdout())

			if flushErr := ledger.FlushSync(); flushErr != nil {
				app.Logger.Warn().Err(flushErr).Msg("Final flush failed")
			}
			app.Logger.Info().Msg("Stdio server stopped")
			return err
		},
	}
	cmd.Flags().BoolVar(&stdio, "stdio", false, "line-delimited JSON over stdin/stdout")
	return cmd
}

// serveLines answers each request line on in with a response line on out
// until in is exhausted or ctx is done.
func serveLines(ctx context.Context, svc *api.Service, in io.Reader, out io.Writer) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxRequestLine)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if len(line) == 0 {
				continue
			}
			if err := enc.Encode(svc.Handle(ctx, line)); err != nil {
				return fmt.Errorf("failed to write response: %w", err)
			}
		}
	}
}
