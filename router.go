package cacherouter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ericselin/cache-router/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	// Address to listen on.
	Host string
	Port int
	// Storage for cached responses.
	// A private in-memory sqlite cache is used if nil.
	Cache cache.Provider
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Per-connection deadlines for reading the request and writing the response.
	// Zero means no deadline.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Written to the client when no route matches.
	// By default nothing is written and the connection is just closed.
	NotFoundResponse string
	// Handle one connection at a time instead of one goroutine per connection.
	Sequential bool
	// Optional function called after every connection has been handled.
	Observer func(Dispatch)
}

type Router struct {
	host         string
	port         int
	routes       routeTable
	cache        cache.Provider
	locks        keyLocks
	log          zerolog.Logger
	readTimeout  time.Duration
	writeTimeout time.Duration
	notFound     string
	sequential   bool
	observer     func(Dispatch)
}

// New creates a router with an empty route table.
// It initializes the cache schema; an error means the router cannot be used.
func New(config Config) (*Router, error) {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}

	r := &Router{
		host:         config.Host,
		port:         config.Port,
		cache:        config.Cache,
		log:          logger,
		readTimeout:  config.ReadTimeout,
		writeTimeout: config.WriteTimeout,
		notFound:     config.NotFoundResponse,
		sequential:   config.Sequential,
		observer:     config.Observer,
	}

	if r.cache == nil {
		r.log.Info().Msg("Establishing in-memory cache db")
		c, err := cache.NewSQLiteCache(cache.MemoryDSN)
		if err != nil {
			return nil, err
		}
		r.cache = c
	}
	if err := r.cache.Init(); err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}
	r.log.Info().Str("addr", r.Addr()).Msg("Created router")
	return r, nil
}

// RegisterRoute appends a route to the route table.
// It does not check for duplicates: the first registered route for a method and path is used.
func (r *Router) RegisterRoute(route Route) *Router {
	r.log.Info().Str("method", route.Method).Str("path", route.Path).Msg("Registering route")
	r.routes.register(route)
	return r
}

// Routes returns the registered routes in registration order.
func (r *Router) Routes() []Route {
	return r.routes.all()
}

// Cache returns the cache provider used by the router.
func (r *Router) Cache() cache.Provider {
	return r.cache
}

// Addr returns the configured listen address.
func (r *Router) Addr() string {
	return net.JoinHostPort(r.host, strconv.Itoa(r.port))
}

// Start listens on the configured address and serves connections.
// It only returns if binding or accepting fails.
func (r *Router) Start() error {
	return r.ListenAndServe(context.Background())
}

// ListenAndServe listens on the configured address and serves connections until ctx is done.
func (r *Router) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.Addr())
	if err != nil {
		return fmt.Errorf("bind %s: %w", r.Addr(), err)
	}
	return r.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or accepting fails.
// The listener is closed when Serve returns.
// Serve waits for connections in progress before returning.
// Connections still waiting for their request when ctx is done are given up.
func (r *Router) Serve(ctx context.Context, ln net.Listener) error {
	r.log.Info().
		Str("addr", ln.Addr().String()).
		Int("routes", r.routes.size()).
		Bool("sequential", r.sequential).
		Msg("Bound TCP listener")

	open := &openConns{conns: make(map[net.Conn]struct{})}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		open.expire()
		return ln.Close()
	})
	g.Go(func() error {
		return r.acceptLoop(ctx, ln, open)
	})
	return g.Wait()
}

func (r *Router) acceptLoop(ctx context.Context, ln net.Listener, open *openConns) error {
	var conns sync.WaitGroup
	defer conns.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				r.log.Warn().Err(err).Msg("Accept timed out")
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		r.log.Trace().Str("remote", conn.RemoteAddr().String()).Msg("Connection established")
		if r.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(r.readTimeout))
		}
		open.add(conn)
		if r.sequential {
			r.handleConnection(conn)
			open.remove(conn)
			continue
		}
		conns.Add(1)
		go func() {
			defer conns.Done()
			defer open.remove(conn)
			r.handleConnection(conn)
		}()
	}
}

// openConns tracks the connections being handled so that reads still
// pending at shutdown can be interrupted.
type openConns struct {
	mutex   sync.Mutex
	conns   map[net.Conn]struct{}
	expired bool
}

func (o *openConns) add(conn net.Conn) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.conns[conn] = struct{}{}
	if o.expired {
		conn.SetReadDeadline(time.Now())
	}
}

func (o *openConns) remove(conn net.Conn) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	delete(o.conns, conn)
}

// expire makes every pending and future read fail immediately.
// Responses already being written are not interrupted.
func (o *openConns) expire() {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.expired = true
	now := time.Now()
	for conn := range o.conns {
		conn.SetReadDeadline(now)
	}
}

// Close closes the cache.
func (r *Router) Close() error {
	return r.cache.Close()
}
