package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		configPath  = flag.String("config", filepath.Join(configHome(), "config.json"), "path to the relay config file")
		addr        = flag.String("addr", "", "listen address override")
		proxyURL    = flag.String("proxy", "", "interception proxy URL override")
		noIntercept = flag.Bool("no-intercept", false, "bypass the interception proxy entirely")
		noChain     = flag.Bool("no-chain", false, "disable the SOCKS-chaining wrapper")
		noBypass    = flag.Bool("no-ssl-bypass", false, "keep TLS verification on in servers and upstream calls")
		direct      = flag.Bool("direct", false, "drive servers directly instead of looping through the listener")
		useTLS      = flag.Bool("tls", envEnabled("MCPRELAY_TLS"), "serve the listener over TLS with a locally generated certificate")
	)
	flag.Parse()

	opts := runOptions{
		addr:        *addr,
		proxyURL:    *proxyURL,
		noIntercept: *noIntercept,
		noChain:     *noChain,
		noBypass:    *noBypass,
		direct:      *direct,
		useTLS:      *useTLS,
	}
	if err := run(*configPath, opts); err != nil {
		log.Fatalf("relay: %v", err)
	}
}

type runOptions struct {
	addr        string
	proxyURL    string
	noIntercept bool
	noChain     bool
	noBypass    bool
	direct      bool
	useTLS      bool
}

func run(configPath string, opts runOptions) error {
	config, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if opts.addr != "" {
		config.McpRelay.Addr = opts.addr
		config.McpRelay.BaseURL = "http://" + opts.addr
	}
	if config.Interception == nil {
		config.Interception = &InterceptionConfig{}
	}
	if opts.proxyURL != "" {
		config.Interception.ProxyURL = opts.proxyURL
	}
	if opts.useTLS && strings.HasPrefix(config.McpRelay.BaseURL, "http://") {
		config.McpRelay.BaseURL = "https://" + strings.TrimPrefix(config.McpRelay.BaseURL, "http://")
	}

	log.Printf("%s %s listening for MCP traffic", config.McpRelay.Name, config.McpRelay.Version)

	route, err := resolveProxyRoute(config.Interception, opts.noIntercept)
	if err != nil {
		return err
	}
	if opts.noChain && route.Mode == RouteChained {
		route.Mode = RouteIntercept
		route.ChainTool = ""
	}
	if opts.noBypass {
		route.BypassTLS = false
	}
	log.Printf("proxy route: %s", route.Mode)
	if route.InterceptURL != nil {
		log.Printf("interception proxy: %s (ssl bypass: %v)", route.InterceptURL, route.BypassTLS)
	}

	analytics := NewAnalytics(config.Analytics)
	defer analytics.Close()

	supervisor := NewSupervisor(route)
	router := NewRouter(supervisor, 0)
	defer router.Shutdown()

	forwarder := NewForwarder(route, defaultExchangeTimeout)

	// ---- spawn subprocess-backed servers ----
	var eg errgroup.Group
	for _, spec := range config.serverSpecs() {
		spec := spec
		panicIfInvalid := config.McpServers[spec.Name].Options.PanicIfInvalid.OrElse(false)
		eg.Go(func() error {
			log.Printf("<%s> starting", spec.Name)
			if _, err := router.StartSession(spec); err != nil {
				log.Printf("<%s> failed to start: %v", spec.Name, err)
				if panicIfInvalid {
					return err
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	analytics.SessionStarted(len(config.McpServers), route.Mode)

	// remote origins are relayed, never spawned
	remotes := make(map[string]string)
	for name, server := range config.McpServers {
		if server.URL != "" {
			remotes[name] = server.URL
		}
	}

	filters := make(map[string]*ToolFilterConfig)
	serverOpts := make(map[string]*ServerOptions)
	for name, server := range config.McpServers {
		if server.Options.ToolFilter != nil {
			filters[name] = server.Options.ToolFilter
		}
		options := server.Options
		serverOpts[name] = &options
	}
	catalog := NewCatalog(config.McpRelay, filters)

	listener := NewListener(config.McpRelay, router, forwarder, catalog, remotes, serverOpts, opts.useTLS, analytics)

	serveErr := make(chan error, 1)
	go func() { serveErr <- listener.Serve() }()

	// ---- handshake every live session through the facade ----
	inspected := route.Mode != RouteDirect && !opts.direct
	facade := NewFacade(router, forwarder, catalog, analytics, config.McpRelay, inspected)
	if inspected {
		log.Printf("facade traffic loops through %s", config.McpRelay.BaseURL)
	}

	var handshakes errgroup.Group
	for _, name := range router.SessionNames() {
		name := name
		handshakes.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultExchangeTimeout)
			defer cancel()
			if err := facade.Connect(ctx, name); err != nil {
				log.Printf("<%s> handshake failed: %v", name, err)
				if config.McpServers[name].Options.PanicIfInvalid.OrElse(false) {
					return err
				}
			}
			return nil
		})
	}
	if err := handshakes.Wait(); err != nil {
		return err
	}
	log.Printf("all servers connected")

	NewSnapshotWriter(catalog, config.Snapshot).Write()

	// ---- wait & shut down ----
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Printf("shutdown signal received: %v", s)
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := listener.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Printf("listener shutdown: %v", err)
	}
	router.Shutdown()
	return nil
}
