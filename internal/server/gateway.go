package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/nodesync/internal/core/observability/log"
	"github.com/zeusync/nodesync/internal/core/remote"
	"github.com/zeusync/nodesync/internal/core/remote/memstore"
)

// Gateway serves a memstore tree to websocket clients. Clients subscribe to
// paths and receive value/child frames as the tree changes; writes flow the
// other way through the same connection.
type Gateway struct {
	cfg      Config
	store    *memstore.Store
	log      log.Log
	upgrader websocket.Upgrader

	httpSrv *http.Server
	group   *errgroup.Group
	cancel  context.CancelFunc
	addr    string

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	// wmu serializes writes; gorilla allows one concurrent writer.
	wmu sync.Mutex

	mu   sync.Mutex
	offs map[string]func()
}

// New creates a Gateway over store.
func New(cfg Config, store *memstore.Store, logger log.Log) *Gateway {
	if logger == nil {
		logger = log.Nop()
	}
	return &Gateway{
		cfg:   cfg,
		store: store,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
		clients: make(map[*client]struct{}),
	}
}

// Start binds the listen address and serves until Stop or ctx cancellation.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, g.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", g.handleWebSocket)
	g.httpSrv = &http.Server{Addr: g.cfg.Listen, Handler: mux}

	ln, err := net.Listen("tcp", g.cfg.Listen)
	if err != nil {
		g.cancel()
		return err
	}
	g.addr = ln.Addr().String()

	group, gctx := errgroup.WithContext(ctx)
	g.group = group
	group.Go(func() error {
		if serveErr := g.httpSrv.Serve(ln); !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		return g.httpSrv.Shutdown(context.Background())
	})

	g.log.Info("gateway listening", log.String("addr", g.addr))
	return nil
}

// Stop shuts the gateway down and waits for its goroutines.
func (g *Gateway) Stop() error {
	if g.cancel == nil {
		return nil
	}
	g.cancel()
	err := g.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Addr returns the bound listen address once Start has returned.
func (g *Gateway) Addr() string {
	return g.addr
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("upgrade failed", log.Error(err))
		return
	}
	c := &client{conn: conn, offs: make(map[string]func())}
	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()

	defer func() {
		c.detachAll()
		g.mu.Lock()
		delete(g.clients, c)
		g.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, readErr := conn.ReadMessage()
		if readErr != nil {
			if !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.log.Debug("read loop ended", log.Error(readErr))
			}
			return
		}
		var f Frame
		if err = f.Deserialize(data); err != nil {
			c.send(&Frame{Op: OpError, Error: "malformed frame"})
			continue
		}
		g.handleFrame(c, &f)
	}
}

func (g *Gateway) handleFrame(c *client, f *Frame) {
	switch f.Op {
	case OpSubscribe:
		g.subscribe(c, f.Path)
	case OpUnsubscribe:
		c.detach(f.Path)
	case OpWrite:
		if err := g.store.At(f.Path).WriteWithPriority(f.Fields, f.Priority); err != nil {
			c.send(&Frame{Op: OpError, Path: f.Path, Error: err.Error()})
		}
	case OpWritePriority:
		if err := g.store.At(f.Path).WritePriority(f.Priority); err != nil {
			c.send(&Frame{Op: OpError, Path: f.Path, Error: err.Error()})
		}
	case OpRemove:
		if err := g.store.At(f.Path).Delete(); err != nil {
			c.send(&Frame{Op: OpError, Path: f.Path, Error: err.Error()})
		}
	default:
		c.send(&Frame{Op: OpError, Path: f.Path, Error: "unknown op"})
	}
}

// subscribe attaches the four notification streams for path and forwards
// them as frames. Re-subscribing a path replaces the previous subscription.
func (g *Gateway) subscribe(c *client, path string) {
	h := g.store.At(path)
	forward := func(op string) remote.Callback {
		return func(snap remote.Snapshot, prev string) {
			c.send(&Frame{
				Op:       op,
				Path:     path,
				Key:      snap.Key(),
				Fields:   snap.Value(),
				Priority: snap.Priority(),
				PrevKey:  prev,
			})
		}
	}
	offs := []func(){
		h.On(remote.CallbackValue, forward(OpValue)),
		h.On(remote.CallbackChildAdded, forward(OpChildAdded)),
		h.On(remote.CallbackChildMoved, forward(OpChildMoved)),
		h.On(remote.CallbackChildRemoved, forward(OpChildRemoved)),
	}

	c.mu.Lock()
	prev := c.offs[path]
	c.offs[path] = func() {
		for _, off := range offs {
			off()
		}
	}
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
	g.log.Debug("subscribed", log.String("path", path))
}

func (c *client) send(f *Frame) {
	data, err := f.Serialize()
	if err != nil {
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) detach(path string) {
	c.mu.Lock()
	off := c.offs[path]
	delete(c.offs, path)
	c.mu.Unlock()
	if off != nil {
		off()
	}
}

func (c *client) detachAll() {
	c.mu.Lock()
	offs := c.offs
	c.offs = make(map[string]func())
	c.mu.Unlock()
	for _, off := range offs {
		off()
	}
}
