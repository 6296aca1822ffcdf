package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	carotte "github.com/glimte/carotte-go"
	"github.com/glimte/carotte-go/config"
	"github.com/glimte/carotte-go/contracts"
	"github.com/glimte/carotte-go/health"
	"github.com/glimte/carotte-go/interceptors"
	"github.com/glimte/carotte-go/internal/codec"
	"github.com/glimte/carotte-go/internal/logging"
	"github.com/glimte/carotte-go/introspection"
	"github.com/glimte/carotte-go/metrics"
)

// app holds the global flags shared by every command.
type app struct {
	configPath string
	url        string
	service    string
	debugToken string
	verbose    bool

	// dialer replaces the AMQP dialer, for tests.
	dialer carotte.Dialer
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "carotte",
		Short: "Talk to services over the carotte messaging runtime",
		Long: `carotte publishes, invokes and listens on qualifiers the same way services
using the runtime do, and queries their describe and introspection agents.`,
		Version:       fmt.Sprintf("%s (runtime: %s, commit: %s, built: %s)", version, carotte.Version, gitCommit, buildTime),
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVarP(&a.url, "url", "u", "", "broker URL, overrides the configuration")
	root.PersistentFlags().StringVarP(&a.service, "service", "s", "carotte-cli", "service name advertised to peers")
	root.PersistentFlags().StringVar(&a.debugToken, "debug-token", "", "route to the overlay queues of this debug token")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log every message")

	root.AddCommand(
		a.publishCmd(),
		a.invokeCmd(),
		a.listenCmd(),
		a.describeCmd(),
		a.introspectCmd(),
		a.healthCmd(),
	)
	return root
}

func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.url != "" {
		cfg.URL = a.url
	}
	if a.service != "" && cfg.ServiceName == "" {
		cfg.ServiceName = a.service
	}
	if a.debugToken != "" {
		cfg.DebugToken = a.debugToken
	}
	if a.verbose {
		cfg.Logger.Level = "debug"
	}
	return cfg, cfg.Validate()
}

func (a *app) newClient(cmd *cobra.Command, cfg *config.Config, opts ...carotte.Option) (*carotte.Client, error) {
	logger := logging.NewWithWriter(cfg.Logger, cmd.ErrOrStderr())
	opts = append([]carotte.Option{
		carotte.WithLogger(logger),
		carotte.WithErrorHandler(func(err error) {
			logger.Error("broker connection lost", "error", err)
		}),
	}, opts...)
	if a.verbose {
		opts = append(opts, carotte.WithPlugins(interceptors.LoggingPlugin(logger)))
	}
	if a.dialer != nil {
		opts = append(opts, carotte.WithDialer(a.dialer))
	}
	return carotte.New(*cfg, opts...)
}

// closeClient shuts the client down, reporting handlers that did not
// finish in time.
func closeClient(cmd *cobra.Command, c *carotte.Client, timeout time.Duration) {
	remaining, err := c.Shutdown(timeout)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "shutdown: %v (still running: %s)\n", err, strings.Join(remaining, ", "))
	}
}

// readPayload returns the JSON payload given as argument, "-" reading
// standard input. No argument means a null payload.
func readPayload(cmd *cobra.Command, args []string) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	raw := []byte(args[0])
	if args[0] == "-" {
		var err error
		if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
	}
	if !codec.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON: %s", raw)
	}
	return json.RawMessage(raw), nil
}

func callOptions(headers map[string]string, txID string) []carotte.CallOption {
	var opts []carotte.CallOption
	if len(headers) > 0 {
		table := amqp.Table{}
		for k, v := range headers {
			table[k] = v
		}
		opts = append(opts, carotte.WithHeaders(table))
	}
	if txID != "" {
		opts = append(opts, carotte.WithContext(contracts.Context{contracts.KeyTransactionID: txID}))
	}
	return opts
}

func printJSON(w io.Writer, v any) error {
	out, err := codec.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func (a *app) publishCmd() *cobra.Command {
	var (
		headers  map[string]string
		txID     string
		exchange string
	)
	cmd := &cobra.Command{
		Use:   "publish <qualifier> [payload|-]",
		Short: "Publish a message",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd, args[1:])
			if err != nil {
				return err
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			client, err := a.newClient(cmd, cfg)
			if err != nil {
				return err
			}
			defer closeClient(cmd, client, 0)

			opts := callOptions(headers, txID)
			if exchange != "" {
				opts = append(opts, carotte.WithExchangeName(exchange))
			}
			if err := client.Publish(cmd.Context(), args[0], payload, opts...); err != nil {
				return fmt.Errorf("failed to publish to %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published to %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringToStringVarP(&headers, "header", "H", nil, "message header, repeatable (key=value)")
	cmd.Flags().StringVar(&txID, "transaction-id", "", "transaction id of the message context")
	cmd.Flags().StringVar(&exchange, "exchange", "", "publish to this exchange instead of amq.<type>")
	return cmd
}

func (a *app) invokeCmd() *cobra.Command {
	var (
		headers map[string]string
		txID    string
		timeout time.Duration
		full    bool
	)
	cmd := &cobra.Command{
		Use:   "invoke <qualifier> [payload|-]",
		Short: "Invoke a subscriber and print its answer",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd, args[1:])
			if err != nil {
				return err
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			client, err := a.newClient(cmd, cfg)
			if err != nil {
				return err
			}
			defer closeClient(cmd, client, 0)

			opts := append(callOptions(headers, txID), carotte.WithTimeout(timeout))
			if full {
				opts = append(opts, carotte.WithCompleteAnswer())
			}
			answer, err := client.Invoke(cmd.Context(), args[0], payload, opts...)
			if err != nil {
				var failure *contracts.Error
				if errors.As(err, &failure) {
					_ = printJSON(cmd.ErrOrStderr(), failure)
				}
				return fmt.Errorf("invoke %s: %w", args[0], err)
			}
			if len(answer) == 0 {
				answer = json.RawMessage("null")
			}
			return printJSON(cmd.OutOrStdout(), answer)
		},
	}
	cmd.Flags().StringToStringVarP(&headers, "header", "H", nil, "message header, repeatable (key=value)")
	cmd.Flags().StringVar(&txID, "transaction-id", "", "transaction id of the message context")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "how long to wait for the answer")
	cmd.Flags().BoolVar(&full, "full", false, "print the whole answer envelope")
	return cmd
}

// received is what listen prints for every message.
type received struct {
	Qualifier string            `json:"qualifier"`
	Headers   map[string]any    `json:"headers,omitempty"`
	Context   contracts.Context `json:"context"`
	Data      json.RawMessage   `json:"data"`
}

func (a *app) listenCmd() *cobra.Command {
	var (
		answer          string
		prefetch        int
		httpAddr        string
		shutdownTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "listen <qualifier>...",
		Short: "Subscribe to qualifiers and print every message",
		Long: `Subscribe to qualifiers and print every message received as JSON. Invocations
are answered with --answer. With --http-addr, Prometheus metrics are served on
/metrics and health checks on /healthz.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var reply json.RawMessage
			if answer != "" {
				if !codec.Valid([]byte(answer)) {
					return fmt.Errorf("answer is not valid JSON: %s", answer)
				}
				reply = json.RawMessage(answer)
			}

			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			registry := prometheus.NewRegistry()
			collector := metrics.NewCollector(registry)
			if err := collector.Register(); err != nil {
				return err
			}

			client, err := a.newClient(cmd, cfg, carotte.WithMetrics(collector))
			if err != nil {
				return err
			}
			defer closeClient(cmd, client, shutdownTimeout)

			var mu sync.Mutex
			out := cmd.OutOrStdout()
			handler := func(_ context.Context, msg *carotte.Message) (any, error) {
				mu.Lock()
				defer mu.Unlock()
				err := printJSON(out, received{
					Qualifier: msg.Qualifier,
					Headers:   msg.Headers,
					Context:   msg.Context,
					Data:      msg.Data,
				})
				if err != nil {
					return nil, err
				}
				return reply, nil
			}

			for _, qualifier := range args {
				info, err := client.Subscribe(cmd.Context(), qualifier, handler, carotte.WithPrefetch(prefetch))
				if err != nil {
					return fmt.Errorf("failed to subscribe to %s: %w", qualifier, err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "listening on %s (queue %s)\n", qualifier, info.Queue)
			}

			if httpAddr != "" {
				srv, err := serveHTTP(httpAddr, registry, client, cfg.ServiceName)
				if err != nil {
					return err
				}
				defer srv.Close()
				fmt.Fprintf(cmd.ErrOrStderr(), "serving metrics and health on %s\n", srv.Addr)
			}

			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&answer, "answer", "", "JSON answer sent back to invocations")
	cmd.Flags().IntVar(&prefetch, "prefetch", 0, "prefetch of each subscription, 0 for the shared channel")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "address serving /metrics and /healthz")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "how long to wait for running handlers on exit")
	return cmd
}

// serveHTTP starts the metrics and health endpoints. The returned server
// carries the address actually bound.
func serveHTTP(addr string, registry *prometheus.Registry, client *carotte.Client, service string) (*http.Server, error) {
	checks := health.NewRegistry(service)
	checks.Register(health.NewBrokerChecker(client))
	checks.Register(health.NewInFlightChecker(client, 100, 1000))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health.NewHandler(checks, 5*time.Second))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(os.Stderr, "http server:", err)
		}
	}()
	return srv, nil
}

func (a *app) describeCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "describe <qualifier>",
		Short: "Print the metadata a subscriber describes itself with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			client, err := a.newClient(cmd, cfg)
			if err != nil {
				return err
			}
			defer closeClient(cmd, client, 0)

			meta, err := client.Describe(cmd.Context(), args[0], carotte.WithTimeout(timeout))
			if err != nil {
				return fmt.Errorf("describe %s: %w", args[0], err)
			}
			return printJSON(cmd.OutOrStdout(), meta)
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "how long to wait for the answer")
	return cmd
}

func (a *app) introspectCmd() *cobra.Command {
	var (
		wait   time.Duration
		origin string
		kind   string
	)
	cmd := &cobra.Command{
		Use:   "introspect",
		Short: "Ask every running service to describe its subscribers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			client, err := a.newClient(cmd, cfg)
			if err != nil {
				return err
			}
			defer closeClient(cmd, client, 0)

			var mu sync.Mutex
			var descriptions []*introspection.Description
			id, err := client.Introspect(cmd.Context(), introspection.Request{Origin: origin, Type: kind},
				func(err error, desc *introspection.Description) {
					if err != nil {
						fmt.Fprintln(cmd.ErrOrStderr(), "introspection answer:", err)
						return
					}
					mu.Lock()
					descriptions = append(descriptions, desc)
					mu.Unlock()
				})
			if err != nil {
				return fmt.Errorf("introspect: %w", err)
			}

			select {
			case <-time.After(wait):
			case <-cmd.Context().Done():
			}
			client.ClearParallel(id)

			mu.Lock()
			defer mu.Unlock()
			return printJSON(cmd.OutOrStdout(), descriptions)
		},
	}
	cmd.Flags().DurationVarP(&wait, "wait", "w", 2*time.Second, "how long to collect answers")
	cmd.Flags().StringVar(&origin, "origin", "master", "request origin")
	cmd.Flags().StringVar(&kind, "type", "all", "request type")
	return cmd
}

func (a *app) healthCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the broker is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			client, err := a.newClient(cmd, cfg)
			if err != nil {
				return err
			}
			defer closeClient(cmd, client, 0)

			checks := health.NewRegistry(cfg.ServiceName)
			checks.Register(health.NewBrokerChecker(client))

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			report := checks.Check(ctx)
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("broker is %s", report.Status)
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "how long to wait for the broker")
	return cmd
}
