// xvm runs the services declared in an xvm.toml manifest and either serves
// them over RPC or performs a single call.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/xvm/manifest"
	"github.com/chazu/xvm/server"
	"github.com/chazu/xvm/vm/dist"
)

func main() {
	configPath := flag.String("config", "", "Path to xvm.toml (default: search upward from the working directory)")
	verbose := flag.Int("v", 0, "Extra log verbosity")
	serveMode := flag.Bool("serve", false, "Serve the host RPC service")
	servePort := flag.Int("port", 0, "Server port (overrides [server] addr)")
	call := flag.String("call", "", "Call service.method with the positional arguments")
	remote := flag.String("remote", "", "Base URL of a running xvm server to send -call to")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: xvm [options] [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Starts the services declared in xvm.toml.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  xvm -serve                              # Serve on [server] addr\n")
		fmt.Fprintf(os.Stderr, "  xvm -serve -port 8080                   # Serve on :8080\n")
		fmt.Fprintf(os.Stderr, "  xvm -call counter.increment 5           # Call in-process\n")
		fmt.Fprintf(os.Stderr, "  xvm -remote http://localhost:7411 -call echo.pair 1 two\n")
	}
	flag.Parse()

	if *call == "" && !*serveMode {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, options{
		configPath: *configPath,
		verbose:    *verbose,
		serve:      *serveMode,
		port:       *servePort,
		call:       *call,
		remote:     *remote,
		args:       flag.Args(),
	}); err != nil {
		var ex *exceptionError
		if errors.As(err, &ex) {
			fmt.Fprintf(os.Stderr, "%s\n", ex)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	verbose    int
	serve      bool
	port       int
	call       string
	remote     string
	args       []string
}

func run(ctx context.Context, opts options) error {
	m, err := loadManifest(opts.configPath)
	if err != nil {
		return err
	}

	var logPath *string
	if m.Log.Path != "" {
		logPath = &m.Log.Path
	}
	commonlog.Configure(m.Log.Verbosity+opts.verbose, logPath)

	if opts.call != "" {
		service, method, err := splitCall(opts.call)
		if err != nil {
			return err
		}
		args := parseArgs(opts.args)
		if opts.remote != "" {
			client := server.NewClient(http.DefaultClient, opts.remote)
			resp, err := client.Invoke(ctx, service, method, args...)
			if err != nil {
				return err
			}
			return printResult(os.Stdout, opts.call, resp)
		}
		e, err := startEngine(ctx, m)
		if err != nil {
			return err
		}
		defer e.close()
		resp, err := e.invoke(ctx, service, method, args)
		if err != nil {
			return err
		}
		return printResult(os.Stdout, opts.call, resp)
	}

	e, err := startEngine(ctx, m)
	if err != nil {
		return err
	}
	defer e.close()

	addr := m.Server.Addr
	if opts.port != 0 {
		addr = fmt.Sprintf(":%d", opts.port)
	}
	return e.host.ListenAndServe(ctx, addr)
}

func loadManifest(path string) (*manifest.Manifest, error) {
	if path != "" {
		return manifest.LoadFile(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	m, err := manifest.FindAndLoad(wd)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest.Default()
	}
	return m, nil
}

// exceptionError reports a language exception raised by a call.
type exceptionError struct {
	call string
	v    dist.Value
}

func (e *exceptionError) Error() string {
	return fmt.Sprintf("%s raised %s: %s", e.call, e.v.Type, e.v.Str)
}
