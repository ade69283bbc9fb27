package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/1ureka/duet/internal/mailbox"
	"github.com/1ureka/duet/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes a mailbox.Store to remote peers.
//
//	GET    /ws          mailbox protocol (see Message)
//	GET    /calls/{id}  call record and candidates as JSON
//	DELETE /calls/{id}  remove a call
//	GET    /healthz
type Server struct {
	store    mailbox.Store
	listener net.Listener
	http     *http.Server

	mu    sync.Mutex
	conns map[*serverConn]struct{}
}

// NewServer creates a server backed by store.
func NewServer(store mailbox.Store) *Server {
	return &Server{
		store: store,
		conns: make(map[*serverConn]struct{}),
	}
}

// Handler returns the chi router serving every endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/calls/{id}", s.handleGetCall)
	r.Delete("/calls/{id}", s.handleDeleteCall)
	return r
}

// Start begins listening on addr (":0" picks a free port) and returns the
// bound address.
func (s *Server) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start mailbox server: %w", err)
	}
	s.listener = listener
	s.http = &http.Server{Handler: s.Handler()}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("Mailbox server stopped: %v", err)
		}
	}()
	return listener.Addr(), nil
}

// Close stops the listener and drops every websocket connection.
func (s *Server) Close() error {
	var err error
	if s.http != nil {
		err = s.http.Close()
	}

	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	return err
}

// ConnCount reports the number of connected websocket clients.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newServerConn(s.store, ws)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	util.LogDebug("Mailbox client connected from %s", r.RemoteAddr)

	c.serve()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	util.LogDebug("Mailbox client %s disconnected", r.RemoteAddr)
}

type callView struct {
	Session    *mailbox.CallSession      `json:"session"`
	Candidates []mailbox.CandidateRecord `json:"candidates,omitempty"`
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, err := s.store.Get(r.Context(), id)
	if errors.Is(err, mailbox.ErrNotFound) {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	view := callView{Session: session}
	if lister, ok := s.store.(mailbox.Lister); ok {
		if view.Candidates, err = lister.ListCandidates(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

func (s *Server) handleDeleteCall(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Per-connection handling
// ---------------------------------------------------------------------------

// serverConn serves one websocket client. Reads happen on the serve
// goroutine; writes from watch forwarders are serialized by wmu.
type serverConn struct {
	store mailbox.Store
	ws    *websocket.Conn
	wmu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	subs   *routeTable[func()]
	once   sync.Once
}

func newServerConn(store mailbox.Store, ws *websocket.Conn) *serverConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &serverConn{
		store:  store,
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		subs:   newRouteTable[func()](),
	}
}

func (c *serverConn) send(msg Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (c *serverConn) close() {
	c.once.Do(func() {
		c.cancel()
		for _, stop := range c.subs.drain() {
			stop()
		}
		c.ws.Close()
	})
}

func (c *serverConn) serve() {
	defer c.close()
	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		// Store calls may block; the read loop keeps going.
		go c.handle(msg)
	}
}

func (c *serverConn) handle(msg Message) {
	reply := Message{Type: MsgResult, Seq: msg.Seq}
	err := c.dispatch(msg, &reply)
	if err != nil {
		reply.Error = err.Error()
		reply.Code = errorCode(err)
	}
	if err := c.send(reply); err != nil {
		c.close()
	}
}

func (c *serverConn) dispatch(msg Message, reply *Message) error {
	ctx := c.ctx
	switch msg.Type {
	case MsgGet:
		session, err := c.store.Get(ctx, msg.CallID)
		reply.Session = session
		return err

	case MsgSetOffer, MsgSetAnswer:
		if msg.Description == nil {
			return fmt.Errorf("%w: missing description", mailbox.ErrInvalidRecord)
		}
		if msg.Type == MsgSetOffer {
			return c.store.SetOffer(ctx, msg.CallID, *msg.Description, msg.Generation)
		}
		return c.store.SetAnswer(ctx, msg.CallID, *msg.Description, msg.Generation)

	case MsgAddCandidate:
		if msg.Record == nil {
			return fmt.Errorf("%w: missing candidate record", mailbox.ErrInvalidRecord)
		}
		return c.store.AddCandidate(ctx, msg.CallID, *msg.Record)

	case MsgHasCandidate:
		if msg.Record == nil {
			return fmt.Errorf("%w: missing candidate record", mailbox.ErrInvalidRecord)
		}
		exists, err := c.store.HasCandidate(ctx, msg.CallID, msg.Record.FromUser, msg.Record.Candidate)
		reply.Exists = exists
		return err

	case MsgDelete:
		return c.store.Delete(ctx, msg.CallID)

	case MsgWatch:
		ch, stop, err := c.store.Watch(ctx, msg.CallID)
		if err != nil {
			return err
		}
		c.subs.register(msg.Sub, stop)
		go pump(c, msg.Sub, ch, func(s *mailbox.CallSession) Message {
			return Message{Type: MsgSession, Sub: msg.Sub, Session: s}
		})
		return nil

	case MsgWatchCandidates:
		ch, stop, err := c.store.WatchCandidates(ctx, msg.CallID)
		if err != nil {
			return err
		}
		c.subs.register(msg.Sub, stop)
		go pump(c, msg.Sub, ch, func(r mailbox.CandidateRecord) Message {
			return Message{Type: MsgCandidate, Sub: msg.Sub, Record: &r}
		})
		return nil

	case MsgUnwatch:
		if stop, ok := c.subs.unregister(msg.Sub); ok {
			stop()
		}
		return nil

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// pump forwards a store watch to the client and reports its end.
func pump[T any](c *serverConn, sub uint32, ch <-chan T, wrap func(T) Message) {
	for v := range ch {
		if err := c.send(wrap(v)); err != nil {
			c.close()
			return
		}
	}
	c.subs.unregister(sub)
	c.send(Message{Type: MsgWatchEnd, Sub: sub})
}
