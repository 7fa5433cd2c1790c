package cacherouter

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	cachekey "github.com/ericselin/cache-router/pkg/cache-key"
	tee "github.com/ericselin/cache-router/pkg/conn-tee"
	requestline "github.com/ericselin/cache-router/pkg/request-line"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNoRoute is returned for requests without a matching route.
	ErrNoRoute = errors.New("no route")
	// ErrMicroserviceNotImplemented is returned for routes delegating to a microservice.
	ErrMicroserviceNotImplemented = errors.New("microservice delegation not implemented")
	// ErrHandlerPanic is returned when a route handler panics.
	ErrHandlerPanic = errors.New("handler panicked")
)

// handleConnection handles a single request and closes the connection.
// Errors are logged and never returned to the accept loop.
func (r *Router) handleConnection(conn net.Conn) {
	defer conn.Close()
	log := r.log.With().
		Str("conn", uuid.NewString()).
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	defer r.recover(log)

	d := r.dispatch(conn, log)
	if r.observer != nil {
		r.observer(d)
	}

	switch {
	case d.Err == nil:
		d.logEvent(log.Debug()).Msg("Sent response to client")
	case errors.Is(d.Err, ErrNoRoute):
		d.logEvent(log.Debug()).Msg("No route for request")
	case errors.Is(d.Err, ErrMicroserviceNotImplemented),
		errors.Is(d.Err, requestline.ErrMalformed),
		errors.Is(d.Err, requestline.ErrEmptyRequest),
		errors.Is(d.Err, requestline.ErrLineTooLong),
		errors.Is(d.Err, requestline.ErrTooManyLines):
		d.logEvent(log.Warn()).Err(d.Err).Msg("Could not handle request")
	default:
		d.logEvent(log.Error()).Err(d.Err).Msg("Could not handle request")
	}
}

// recover recovers from panics outside route handlers so that they only end the current connection.
func (r *Router) recover(log zerolog.Logger) {
	if err := recover(); err != nil {
		log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in connection handler")
	}
}

// dispatch reads the request from conn, finds its route and writes the response,
// either from the cache or from the route handler.
func (r *Router) dispatch(conn net.Conn, log zerolog.Logger) (d Dispatch) {
	started := time.Now()
	defer func() {
		d.Duration = time.Since(started)
	}()

	rl, head, err := requestline.Read(bufio.NewReader(conn))
	if err != nil {
		d.Status = StatusBadRequest
		d.Err = fmt.Errorf("read request: %w", err)
		return d
	}
	d.Method, d.Path = rl.Method, rl.Path
	log.Trace().Strs("head", head).Msgf("Received request to %s %s", rl.Method, rl.Path)

	if r.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
	}
	w := tee.NewSaver(conn)

	route, found := r.routes.match(rl.Method, rl.Path)
	if !found {
		d.Status = StatusNoRoute
		d.Err = fmt.Errorf("%w for %s %s", ErrNoRoute, rl.Method, rl.Path)
		if r.notFound != "" {
			w.WriteString(r.notFound)
			d.Bytes = w.Len()
		}
		return d
	}

	key := cachekey.New(rl.Method, rl.Path)
	unlock := r.locks.lock(key.String())
	body, hit, err := r.cache.Lookup(key.Method, key.Path)
	if err != nil {
		unlock()
		d.Err = fmt.Errorf("cache lookup %s: %w", key, err)
		return d
	}
	if hit {
		// a slow client must not hold up other requests for the key
		unlock()
		d.Status = StatusHit
		_, err := w.WriteString(body)
		d.Bytes = w.Len()
		if err != nil {
			d.Err = fmt.Errorf("write cached response: %w", err)
		}
		return d
	}
	defer unlock()

	switch action := route.Action.(type) {
	case HandlerFunc:
		d.Status = StatusMiss
		d.Stored, d.Err = r.run(w, key, action)
		d.Bytes = w.Len()
	case Microservice:
		d.Status = StatusDelegate
		log.Debug().Str("microservice", action.Path).Msg("Microservice path found")
		d.Err = fmt.Errorf("%w: %s", ErrMicroserviceNotImplemented, action.Path)
	case NoOp, nil:
		d.Status = StatusNoOp
	default:
		d.Err = fmt.Errorf("unsupported route action %s", action.Kind())
	}
	return d
}

// run invokes the handler, writes its body and stores everything written in the cache.
// Nothing is stored if the handler fails or the response could not be written completely.
func (r *Router) run(w *tee.Saver, key cachekey.Key, handler HandlerFunc) (bool, error) {
	body, err := callHandler(handler, w)
	if err != nil {
		return false, fmt.Errorf("handler for %s: %w", key, err)
	}
	if _, err := w.WriteString(body); err != nil {
		return false, fmt.Errorf("write response: %w", err)
	}
	if err := r.cache.Insert(key.Method, key.Path, string(w.Response())); err != nil {
		return false, fmt.Errorf("cache insert %s: %w", key, err)
	}
	return true, nil
}

func callHandler(handler HandlerFunc, w io.Writer) (body string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, p)
		}
	}()
	return handler(w)
}

// keyLocks hands out one mutex per cache key.
// Holding the lock across lookup, handler and insert makes sure a handler
// runs at most once per key, however many connections ask for it at the same time.
type keyLocks struct {
	mutex sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

// lock locks the key and returns the function unlocking it.
func (k *keyLocks) lock(key string) func() {
	k.mutex.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mutex.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mutex.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mutex.Unlock()
	}
}
