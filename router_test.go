package cacherouter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ericselin/cache-router/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

const ok = "HTTP/1.1 200 OK\r\n\r\n"

// startTestRouter serves the routes on a loopback port until the test ends.
// It returns the router, its address and a channel receiving every dispatch.
func startTestRouter(t *testing.T, config Config, routes ...Route) (*Router, string, chan Dispatch) {
	t.Helper()
	dispatches := make(chan Dispatch, 100)
	config.Observer = func(d Dispatch) { dispatches <- d }
	r, err := New(config)
	if err != nil {
		t.Fatalf("Could not create router: %v", err)
	}
	for _, route := range routes {
		r.RegisterRoute(route)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Could not listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve returned %v", err)
		}
		r.Close()
	})
	return r, ln.Addr().String(), dispatches
}

// send writes the raw request and returns everything read until the server closes the connection.
func send(t *testing.T, addr, request string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Could not connect: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(conn, request); err != nil {
		t.Fatalf("Could not write request: %v", err)
	}
	body, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("Could not read response: %v", err)
	}
	return string(body)
}

func countingHandler(count *atomic.Int32, body string) HandlerFunc {
	return func(io.Writer) (string, error) {
		count.Add(1)
		return body, nil
	}
}

func TestSecondRequestServedFromCache(t *testing.T) {
	var handleCount atomic.Int32
	_, addr, dispatches := startTestRouter(t, Config{},
		Route{Method: "GET", Path: "/", Action: countingHandler(&handleCount, ok)})

	if body := send(t, addr, "GET / HTTP/1.1\r\n\r\n"); body != ok {
		t.Fatalf("First body is %q", body)
	}
	if d := <-dispatches; d.Status != StatusMiss || !d.Stored || d.Err != nil {
		t.Fatalf("First dispatch is %+v", d)
	}
	if body := send(t, addr, "GET / HTTP/1.1\r\n\r\n"); body != ok {
		t.Fatalf("Second body is %q", body)
	}
	if d := <-dispatches; !d.IsHit() || d.Bytes != len(ok) {
		t.Fatalf("Second dispatch is %+v", d)
	}
	if handleCount.Load() != 1 {
		t.Fatalf("Handler called %d times", handleCount.Load())
	}
}

func TestMissingRouteWritesNothing(t *testing.T) {
	var handleCount atomic.Int32
	r, addr, dispatches := startTestRouter(t, Config{},
		Route{Method: "GET", Path: "/", Action: countingHandler(&handleCount, ok)})

	if body := send(t, addr, "GET /missing HTTP/1.1\r\n\r\n"); body != "" {
		t.Fatalf("Body is %q", body)
	}
	d := <-dispatches
	if d.Status != StatusNoRoute || !errors.Is(d.Err, ErrNoRoute) || d.Bytes != 0 {
		t.Fatalf("Dispatch is %+v", d)
	}
	if entries, _ := r.Cache().Entries(); len(entries) != 0 || handleCount.Load() != 0 {
		t.Fatalf("Cache has %d entries, handler called %d times", len(entries), handleCount.Load())
	}
}

func TestNotFoundResponse(t *testing.T) {
	notFound := "HTTP/1.1 404 Not Found\r\n\r\n"
	_, addr, _ := startTestRouter(t, Config{NotFoundResponse: notFound})

	if body := send(t, addr, "GET /missing HTTP/1.1\r\n\r\n"); body != notFound {
		t.Fatalf("Body is %q", body)
	}
}

func TestMalformedRequestOnlyEndsConnection(t *testing.T) {
	var handleCount atomic.Int32
	_, addr, dispatches := startTestRouter(t, Config{},
		Route{Method: "GET", Path: "/", Action: countingHandler(&handleCount, ok)})

	for _, request := range []string{"GARBAGE\r\n\r\n", "\r\n\r\n", "GET\r\n\r\n"} {
		if body := send(t, addr, request); body != "" {
			t.Fatalf("Body for %q is %q", request, body)
		}
		if d := <-dispatches; d.Status != StatusBadRequest || d.Err == nil {
			t.Fatalf("Dispatch for %q is %+v", request, d)
		}
	}
	if body := send(t, addr, "GET / HTTP/1.1\r\n\r\n"); body != ok {
		t.Fatalf("Server did not survive malformed requests, body is %q", body)
	}
}

func TestSamePathDifferentMethods(t *testing.T) {
	var getCount, postCount atomic.Int32
	r, addr, dispatches := startTestRouter(t, Config{},
		Route{Method: "GET", Path: "/item", Action: countingHandler(&getCount, "get")},
		Route{Method: "POST", Path: "/item", Action: countingHandler(&postCount, "post")},
	)

	for i := 0; i < 2; i++ {
		if body := send(t, addr, "GET /item HTTP/1.1\r\n\r\n"); body != "get" {
			t.Fatalf("GET body is %q", body)
		}
		if d := <-dispatches; d.Err != nil {
			t.Fatalf("GET dispatch failed: %v", d.Err)
		}
		if body := send(t, addr, "POST /item HTTP/1.1\r\n\r\n"); body != "post" {
			t.Fatalf("POST body is %q", body)
		}
		if d := <-dispatches; d.Err != nil {
			t.Fatalf("POST dispatch failed: %v", d.Err)
		}
	}
	if getCount.Load() != 1 || postCount.Load() != 1 {
		t.Fatalf("Handlers called %d and %d times", getCount.Load(), postCount.Load())
	}
	if entries, _ := r.Cache().Entries(); len(entries) != 2 {
		t.Fatalf("Cache has %d entries", len(entries))
	}
}

func TestInsertConflictIsReported(t *testing.T) {
	var handleCount atomic.Int32
	_, addr, dispatches := startTestRouter(t, Config{Cache: conflictingCache{cache.NewMemCache()}},
		Route{Method: "GET", Path: "/", Action: countingHandler(&handleCount, ok)})

	if body := send(t, addr, "GET / HTTP/1.1\r\n\r\n"); body != ok {
		t.Fatalf("Body is %q", body)
	}
	d := <-dispatches
	if !errors.Is(d.Err, cache.ErrConflict) || d.Stored {
		t.Fatalf("Dispatch is %+v", d)
	}
}

// conflictingCache never finds anything and rejects every insert.
type conflictingCache struct {
	cache.MemCache
}

func (conflictingCache) Lookup(method, path string) (string, bool, error) {
	return "", false, nil
}

func (conflictingCache) Insert(method, path, body string) error {
	return fmt.Errorf("%w: %s %s", cache.ErrConflict, method, path)
}

func TestDuplicateRouteFirstWins(t *testing.T) {
	var firstCount, secondCount atomic.Int32
	_, addr, _ := startTestRouter(t, Config{},
		Route{Method: "GET", Path: "/", Action: countingHandler(&firstCount, "first")},
		Route{Method: "GET", Path: "/", Action: countingHandler(&secondCount, "second")},
	)

	if body := send(t, addr, "GET / HTTP/1.1\r\n\r\n"); body != "first" {
		t.Fatalf("Body is %q", body)
	}
	if secondCount.Load() != 0 {
		t.Fatal("Second route was invoked")
	}
}

func TestConcurrentRequestsInvokeHandlerOnce(t *testing.T) {
	var handleCount atomic.Int32
	handler := HandlerFunc(func(io.Writer) (string, error) {
		handleCount.Add(1)
		time.Sleep(50 * time.Millisecond)
		return ok, nil
	})
	_, addr, _ := startTestRouter(t, Config{}, Route{Method: "GET", Path: "/slow", Action: handler})

	var wg sync.WaitGroup
	bodies := make([]string, 20)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				t.Errorf("Could not connect: %v", err)
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(5 * time.Second))
			io.WriteString(conn, "GET /slow HTTP/1.1\r\n\r\n")
			body, _ := io.ReadAll(conn)
			bodies[i] = string(body)
		}(i)
	}
	wg.Wait()

	if handleCount.Load() != 1 {
		t.Fatalf("Handler called %d times", handleCount.Load())
	}
	for i, body := range bodies {
		if body != ok {
			t.Fatalf("Body %d is %q", i, body)
		}
	}
}

func TestMicroserviceIsNotImplemented(t *testing.T) {
	r, addr, dispatches := startTestRouter(t, Config{},
		Route{Method: "GET", Path: "/api", Action: Microservice{Path: "http://users.internal/api"}})

	if body := send(t, addr, "GET /api HTTP/1.1\r\n\r\n"); body != "" {
		t.Fatalf("Body is %q", body)
	}
	d := <-dispatches
	if d.Status != StatusDelegate || !errors.Is(d.Err, ErrMicroserviceNotImplemented) {
		t.Fatalf("Dispatch is %+v", d)
	}
	if entries, _ := r.Cache().Entries(); len(entries) != 0 {
		t.Fatalf("Cache has %d entries", len(entries))
	}
}

func TestNoOpRoute(t *testing.T) {
	_, addr, dispatches := startTestRouter(t, Config{},
		Route{Method: "GET", Path: "/noop", Action: NoOp{}},
		Route{Method: "GET", Path: "/nil"},
	)

	for _, path := range []string{"/noop", "/nil"} {
		if body := send(t, addr, "GET "+path+" HTTP/1.1\r\n\r\n"); body != "" {
			t.Fatalf("Body for %s is %q", path, body)
		}
		if d := <-dispatches; d.Status != StatusNoOp || d.Err != nil || d.Stored {
			t.Fatalf("Dispatch for %s is %+v", path, d)
		}
	}
}

func TestHandlerErrorIsNotCached(t *testing.T) {
	var handleCount atomic.Int32
	handler := HandlerFunc(func(io.Writer) (string, error) {
		if handleCount.Add(1) == 1 {
			return "", errors.New("database unavailable")
		}
		return ok, nil
	})
	_, addr, dispatches := startTestRouter(t, Config{}, Route{Method: "GET", Path: "/", Action: handler})

	if body := send(t, addr, "GET / HTTP/1.1\r\n\r\n"); body != "" {
		t.Fatalf("Body after error is %q", body)
	}
	if d := <-dispatches; d.Err == nil || d.Stored {
		t.Fatalf("Dispatch is %+v", d)
	}
	if body := send(t, addr, "GET / HTTP/1.1\r\n\r\n"); body != ok {
		t.Fatalf("Body after recovery is %q", body)
	}
	if handleCount.Load() != 2 {
		t.Fatalf("Handler called %d times", handleCount.Load())
	}
}

func TestHandlerPanicOnlyEndsConnection(t *testing.T) {
	var handleCount atomic.Int32
	_, addr, dispatches := startTestRouter(t, Config{},
		Route{Method: "GET", Path: "/panic", Action: HandlerFunc(func(io.Writer) (string, error) {
			panic("boom")
		})},
		Route{Method: "GET", Path: "/", Action: countingHandler(&handleCount, ok)},
	)

	if body := send(t, addr, "GET /panic HTTP/1.1\r\n\r\n"); body != "" {
		t.Fatalf("Body is %q", body)
	}
	if d := <-dispatches; !errors.Is(d.Err, ErrHandlerPanic) {
		t.Fatalf("Dispatch is %+v", d)
	}
	// the key lock must have been released
	if body := send(t, addr, "GET /panic HTTP/1.1\r\n\r\n"); body != "" {
		t.Fatalf("Body is %q", body)
	}
	if body := send(t, addr, "GET / HTTP/1.1\r\n\r\n"); body != ok {
		t.Fatalf("Body is %q", body)
	}
}

func TestDirectWritesAreCached(t *testing.T) {
	var handleCount atomic.Int32
	handler := HandlerFunc(func(w io.Writer) (string, error) {
		handleCount.Add(1)
		io.WriteString(w, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\n")
		return "hello", nil
	})
	_, addr, _ := startTestRouter(t, Config{}, Route{Method: "GET", Path: "/hello", Action: handler})

	expected := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\nhello"
	first := send(t, addr, "GET /hello HTTP/1.1\r\n\r\n")
	second := send(t, addr, "GET /hello HTTP/1.1\r\n\r\n")
	if first != expected || second != expected {
		t.Fatalf("Bodies are %q and %q", first, second)
	}
	if handleCount.Load() != 1 {
		t.Fatalf("Handler called %d times", handleCount.Load())
	}
}

func TestSequential(t *testing.T) {
	var handleCount atomic.Int32
	_, addr, _ := startTestRouter(t, Config{Sequential: true},
		Route{Method: "GET", Path: "/", Action: countingHandler(&handleCount, ok)})

	for i := 0; i < 3; i++ {
		if body := send(t, addr, "GET / HTTP/1.1\r\n\r\n"); body != ok {
			t.Fatalf("Body %d is %q", i, body)
		}
	}
	if handleCount.Load() != 1 {
		t.Fatalf("Handler called %d times", handleCount.Load())
	}
}

func TestReadTimeout(t *testing.T) {
	_, addr, dispatches := startTestRouter(t, Config{ReadTimeout: 100 * time.Millisecond},
		Route{Method: "GET", Path: "/", Action: StaticResponse(ok)})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	// send nothing, the server should give up
	body, err := io.ReadAll(conn)
	if err != nil || len(body) != 0 {
		t.Fatalf("Read %q, %v", body, err)
	}
	if d := <-dispatches; d.Status != StatusBadRequest {
		t.Fatalf("Dispatch is %+v", d)
	}
}

func TestCacheSurvivesRestart(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "cache.db")
	var handleCount atomic.Int32
	route := Route{Method: "GET", Path: "/", Action: countingHandler(&handleCount, ok)}

	for i := 0; i < 2; i++ {
		c, err := cache.NewSQLiteCache(dbFile)
		if err != nil {
			t.Fatal(err)
		}
		// each iteration gets its own router and listener
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			_, addr, _ := startTestRouter(t, Config{Cache: c}, route)
			if body := send(t, addr, "GET / HTTP/1.1\r\n\r\n"); body != ok {
				t.Fatalf("Body is %q", body)
			}
		})
	}
	if handleCount.Load() != 1 {
		t.Fatalf("Handler called %d times", handleCount.Load())
	}
}

func TestStartFailsWhenPortTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	r, err := New(Config{Host: "127.0.0.1", Port: port})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if err := r.Start(); err == nil {
		t.Fatal("Start did not fail on a taken port")
	}
}

func TestServeReturnsOnCancel(t *testing.T) {
	r, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, ln) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServeReturnsWithIdleConnection(t *testing.T) {
	dispatches := make(chan Dispatch, 1)
	r, err := New(Config{Observer: func(d Dispatch) { dispatches <- d }})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, ln) }()

	// connect but never send a request
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	time.Sleep(100 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve waited for the idle connection")
	}
	if d := <-dispatches; d.Status != StatusBadRequest {
		t.Fatalf("Dispatch is %+v", d)
	}
}

func TestStalledReaderDoesNotBlockHits(t *testing.T) {
	big := strings.Repeat("x", 16<<20)
	_, addr, dispatches := startTestRouter(t, Config{WriteTimeout: 10 * time.Second},
		Route{Method: "GET", Path: "/big", Action: StaticResponse(big)})

	if body := send(t, addr, "GET /big HTTP/1.1\r\n\r\n"); len(body) != len(big) {
		t.Fatalf("First response has %d bytes", len(body))
	}
	if d := <-dispatches; d.Status != StatusMiss || !d.Stored {
		t.Fatalf("First dispatch is %+v", d)
	}

	// this client asks for the body and never reads it
	stalled, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer stalled.Close()
	if _, err := io.WriteString(stalled, "GET /big HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	if body := send(t, addr, "GET /big HTTP/1.1\r\n\r\n"); len(body) != len(big) {
		t.Fatalf("Response behind stalled reader has %d bytes", len(body))
	}
}

type failingInit struct {
	cache.MemCache
}

func (failingInit) Init() error {
	return errors.New("disk full")
}

func TestNewFailsOnCacheInit(t *testing.T) {
	if _, err := New(Config{Cache: failingInit{cache.NewMemCache()}}); err == nil {
		t.Fatal("New did not report init failure")
	}
}
