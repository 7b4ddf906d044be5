package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/hanpama/populate/internal/adapter"
	"github.com/hanpama/populate/internal/adapter/memory"
	"github.com/hanpama/populate/internal/adaptersvc"
	"github.com/hanpama/populate/internal/collection"
	"github.com/hanpama/populate/internal/config"
	"github.com/hanpama/populate/internal/eventbus"
	"github.com/hanpama/populate/internal/finder"
	"github.com/hanpama/populate/internal/fixture"
	"github.com/hanpama/populate/internal/language"
	"github.com/hanpama/populate/internal/logging"
	"github.com/hanpama/populate/internal/metrics"
	"github.com/hanpama/populate/internal/otel"
	"github.com/hanpama/populate/internal/protoreg"
	"github.com/hanpama/populate/internal/server"
)

const rootUsage = `populate: cross-connection population engine & tools

USAGE:
  populate <command> [flags]

COMMANDS:
  query            Run one populate expression and print the result
  serve            Run the HTTP query endpoint
  serve-adapter    Serve the configured connections over gRPC
  compile-proto    Write the adapter service .proto file
  help             Show help for any command
`

const queryUsage = `query FLAGS:
  -config <file>         Configuration file (required unless -demo)
  -demo                  Query the built-in person/cat/flea/toy dataset
  -e <expression>        Populate expression; the first argument is used when omitted
  -var <name=value>      Expression variable; the value is read as JSON when it parses. Repeatable
  -path <jsonpath>       Print only what the JSONPath selects from the result
  -explain               Print the planned operations instead of running them
`

const serveUsage = `serve FLAGS:
  -config <file>                      Configuration file (required unless -demo)
  -demo                               Serve the built-in person/cat/flea/toy dataset
  -server.addr <addr>                 HTTP listen address (default: server.addr of the config, else :8080)
  -server.pretty                      Pretty-print JSON responses
  -server.timeout <duration>          Per-request timeout, e.g. 10s (default: 10s)
  -server.metadata-header <name>      Forward HTTP header to gRPC metadata. Repeatable
  -server.cors-origin <origin>        Allow a CORS origin; * allows any. Repeatable
  -otel.endpoint <addr>               OTLP collector endpoint
  -otel.service <name>                OpenTelemetry service name (default: populate)
`

const serveAdapterUsage = `serve-adapter FLAGS:
  -config <file>         Configuration file (required)
  -addr <addr>           gRPC listen address (default: server.adapter_addr of the config, else :9090)
  -package <name>        Protobuf package of the service (default: populate.adapter.v1)
`

const compileProtoUsage = `compile-proto FLAGS:
  -package <name>        Protobuf package of the service (default: populate.adapter.v1)
  -out <dir>             Output directory for the generated .proto file (default: stdout)
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("populate", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer))
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "query":
		return cmdQuery(cmdArgs)
	case "serve":
		return cmdServe(cmdArgs)
	case "serve-adapter":
		return cmdServeAdapter(cmdArgs)
	case "compile-proto":
		return cmdCompileProto(cmdArgs)
	case "help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Print(rootUsage)
		return nil
	}
	switch args[0] {
	case "query":
		fmt.Print(queryUsage)
	case "serve":
		fmt.Print(serveUsage)
	case "serve-adapter":
		fmt.Print(serveAdapterUsage)
	case "compile-proto":
		fmt.Print(compileProtoUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return "" }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type varFlag map[string]any

func (v varFlag) String() string { return "" }

func (v varFlag) Set(s string) error {
	name, raw, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("invalid variable %q", s)
	}
	if val, err := oj.ParseString(raw); err == nil {
		v[name] = val
	} else {
		v[name] = raw
	}
	return nil
}

// load reads the configuration and installs its logger.
func load(path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("-config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logging.SetGlobalLogger(logging.Console(nil, cfg.Log.Level))
	return cfg, nil
}

// openStore builds the store a command queries: the configured
// connections, or the demo dataset on one in-memory connection.
func openStore(ctx context.Context, cfg *config.Config, demo bool) (*finder.Store, func() error, error) {
	if demo {
		reg, err := collection.NewRegistry(fixture.Definitions(fixture.Single("demo"))...)
		if err != nil {
			return nil, nil, err
		}
		mem, err := memory.New(memory.WithName("demo"), memory.WithJoinCapability(adapter.DeepJoin))
		if err != nil {
			return nil, nil, err
		}
		conns := adapter.Connections{"demo": mem}
		if err := fixture.Seed(ctx, reg, conns); err != nil {
			return nil, nil, err
		}
		return finder.New(reg, conns), func() error { return nil }, nil
	}
	st, err := cfg.Build(ctx)
	if err != nil {
		return nil, nil, err
	}
	return finder.New(st.Registry, st.Connections), st.Close, nil
}

func cmdQuery(args []string) error {
	cfgPath := ""
	expr := ""
	path := ""
	explain := false
	demo := false
	vars := varFlag{}

	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&cfgPath, "config", cfgPath, "Configuration file")
	fs.BoolVar(&demo, "demo", demo, "Query the demo dataset")
	fs.StringVar(&expr, "e", expr, "Populate expression")
	fs.Var(vars, "var", "Expression variable")
	fs.StringVar(&path, "path", path, "JSONPath applied to the result")
	fs.BoolVar(&explain, "explain", explain, "Print planned operations")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, queryUsage)
		return err
	}
	if expr == "" && fs.NArg() > 0 {
		expr = fs.Arg(0)
	}
	if expr == "" {
		fmt.Fprint(os.Stderr, queryUsage)
		return fmt.Errorf("missing expression")
	}
	var selector jp.Expr
	if path != "" {
		x, err := jp.ParseString(path)
		if err != nil {
			return fmt.Errorf("invalid jsonpath %q: %w", path, err)
		}
		selector = x
	}

	var cfg *config.Config
	if !demo {
		var err error
		if cfg, err = load(cfgPath); err != nil {
			return err
		}
	}
	ctx := context.Background()
	store, closeStore, err := openStore(ctx, cfg, demo)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	reqs, err := language.Compile(store.Registry, expr, vars)
	if err != nil {
		return err
	}
	data := make(map[string]any, len(reqs))
	for _, r := range reqs {
		if explain {
			steps, err := store.Explain(r.Collection.Identity, r.Criteria, r.Populates...)
			if err != nil {
				return err
			}
			data[r.Alias] = steps
			continue
		}
		rows, err := store.Find(ctx, r.Collection.Identity, r.Criteria, r.Populates...)
		if err != nil {
			return fmt.Errorf("%s: %w", r.Alias, err)
		}
		data[r.Alias] = rows
	}

	// Round-trip through JSON so the selector sees plain maps and slices.
	b, err := oj.Marshal(data, &oj.Options{UseTags: true, OmitNil: true})
	if err != nil {
		return err
	}
	var out any
	if out, err = oj.Parse(b); err != nil {
		return err
	}
	if selector != nil {
		out = selector.Get(out)
	}
	fmt.Println(oj.JSON(out, &oj.Options{Indent: 2, Sort: true}))
	return nil
}

func cmdServe(args []string) error {
	cfgPath := ""
	addr := ""
	pretty := false
	timeout := 10 * time.Second
	otelEndpoint := ""
	otelService := "populate"
	demo := false
	var metadataHeaders, corsOrigins stringListFlag

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&cfgPath, "config", cfgPath, "Configuration file")
	fs.BoolVar(&demo, "demo", demo, "Serve the demo dataset")
	fs.StringVar(&addr, "server.addr", addr, "HTTP listen address")
	fs.BoolVar(&pretty, "server.pretty", pretty, "Pretty-print JSON responses")
	fs.DurationVar(&timeout, "server.timeout", timeout, "Per-request timeout")
	fs.Var(&metadataHeaders, "server.metadata-header", "Forward HTTP header to gRPC metadata")
	fs.Var(&corsOrigins, "server.cors-origin", "Allowed CORS origin")
	fs.StringVar(&otelEndpoint, "otel.endpoint", otelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&otelService, "otel.service", otelService, "OpenTelemetry service name")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return err
	}
	var cfg *config.Config
	if demo {
		logging.SetGlobalLogger(logging.Console(nil, "info"))
	} else {
		var err error
		if cfg, err = load(cfgPath); err != nil {
			fmt.Fprint(os.Stderr, serveUsage)
			return err
		}
		if addr == "" {
			addr = cfg.Server.Addr
		}
	}
	if addr == "" {
		addr = ":8080"
	}

	eventbus.Use(eventbus.New())
	promReg := prometheus.NewRegistry()
	collectors, err := metrics.New(promReg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	defer collectors.Subscribe(eventbus.Current())()
	shutdown, err := otel.Setup(otelEndpoint, otelService)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	store, closeStore, err := openStore(ctx, cfg, demo)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	var sopts []server.Option
	if pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if timeout > 0 {
		sopts = append(sopts, server.WithTimeout(timeout))
	}
	if len(metadataHeaders) > 0 {
		sopts = append(sopts, server.WithMetadataHeaders(metadataHeaders...))
	}
	if len(corsOrigins) > 0 {
		sopts = append(sopts, server.WithCORS(corsOrigins...))
	}

	mux := http.NewServeMux()
	mux.Handle("/query", server.New(store, sopts...))
	mux.Handle("/metrics", metrics.Handler(promReg))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	logging.Info().Str("addr", addr).Msg("query server listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func cmdServeAdapter(args []string) error {
	cfgPath := ""
	addr := ""
	pkg := protoreg.DefaultPackage

	fs := flag.NewFlagSet("serve-adapter", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&cfgPath, "config", cfgPath, "Configuration file")
	fs.StringVar(&addr, "addr", addr, "gRPC listen address")
	fs.StringVar(&pkg, "package", pkg, "Protobuf package of the service")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, serveAdapterUsage)
		return err
	}
	cfg, err := load(cfgPath)
	if err != nil {
		fmt.Fprint(os.Stderr, serveAdapterUsage)
		return err
	}
	if addr == "" {
		addr = cfg.Server.AdapterAddr
	}
	if addr == "" {
		addr = ":9090"
	}

	eventbus.Use(eventbus.New())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	st, err := cfg.Build(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	reg, err := protoreg.Build(pkg)
	if err != nil {
		return fmt.Errorf("protoreg build: %w", err)
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	gs := grpc.NewServer(grpc.UnaryInterceptor(adaptersvc.UnaryInterceptor))
	adaptersvc.New(reg, st.Connections).Register(gs)
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	logging.Info().Str("addr", addr).Str("service", string(reg.Service().FullName())).Msg("adapter server listening")
	return gs.Serve(lis)
}

func cmdCompileProto(args []string) error {
	pkg := protoreg.DefaultPackage
	outDir := ""
	fs := flag.NewFlagSet("compile-proto", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&pkg, "package", pkg, "Protobuf package of the service")
	fs.StringVar(&outDir, "out", outDir, "Output directory for generated .proto files")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, compileProtoUsage)
		return err
	}
	reg, err := protoreg.Build(pkg)
	if err != nil {
		return fmt.Errorf("protoreg build: %w", err)
	}
	if outDir == "" {
		return protoreg.Print(reg, os.Stdout)
	}
	if err := protoreg.Render(reg, outDir); err != nil {
		return fmt.Errorf("render proto: %w", err)
	}
	return nil
}
