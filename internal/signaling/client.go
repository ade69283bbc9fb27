package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/duet/internal/mailbox"
	"github.com/1ureka/duet/internal/util"
)

// ErrDisconnected is returned for calls made after the websocket dropped.
var ErrDisconnected = errors.New("signaling: mailbox connection lost")

// Client is a mailbox.Store backed by a remote Server.
type Client struct {
	ws  *websocket.Conn
	wmu sync.Mutex

	seq     seqGen
	pending *routeTable[chan Message]
	subs    *routeTable[func(Message)]

	done chan struct{}
	once sync.Once
}

// Compile-time interface check.
var _ mailbox.Store = (*Client)(nil)

// Dial connects to a mailbox server, e.g. ws://127.0.0.1:8790/ws.
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mailbox server: %w", err)
	}

	c := &Client{
		ws:      ws,
		pending: newRouteTable[chan Message](),
		subs:    newRouteTable[func(Message)](),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close drops the connection. Every watch channel is closed.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readLoop() {
	defer func() {
		c.Close()
		for _, end := range c.subs.drain() {
			end(Message{Type: MsgWatchEnd})
		}
	}()

	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				util.LogWarning("Mailbox connection lost: %v", err)
			}
			return
		}

		switch msg.Type {
		case MsgResult:
			if ch, ok := c.pending.unregister(msg.Seq); ok {
				ch <- msg
			}
		case MsgSession, MsgCandidate, MsgWatchEnd:
			if fn, ok := c.subs.route(msg.Sub); ok {
				fn(msg)
			}
		}
	}
}

func (c *Client) send(msg Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteJSON(msg)
}

// call sends a request and waits for its result.
func (c *Client) call(ctx context.Context, msg Message) (Message, error) {
	msg.Seq = c.seq.next()
	ch := make(chan Message, 1)
	c.pending.register(msg.Seq, ch)

	if err := c.send(msg); err != nil {
		c.pending.unregister(msg.Seq)
		return Message{}, errors.Join(ErrDisconnected, err)
	}

	select {
	case reply := <-ch:
		return reply, resultError(reply)
	case <-ctx.Done():
		c.pending.unregister(msg.Seq)
		return Message{}, ctx.Err()
	case <-c.done:
		return Message{}, ErrDisconnected
	}
}

// ---------------------------------------------------------------------------
// mailbox.Store
// ---------------------------------------------------------------------------

func (c *Client) Get(ctx context.Context, callID string) (*mailbox.CallSession, error) {
	reply, err := c.call(ctx, Message{Type: MsgGet, CallID: callID})
	if err != nil {
		return nil, err
	}
	if reply.Session == nil {
		return nil, mailbox.ErrNotFound
	}
	return reply.Session, nil
}

func (c *Client) SetOffer(ctx context.Context, callID string, d mailbox.Description, generation int) error {
	_, err := c.call(ctx, Message{Type: MsgSetOffer, CallID: callID, Description: &d, Generation: generation})
	return err
}

func (c *Client) SetAnswer(ctx context.Context, callID string, d mailbox.Description, generation int) error {
	_, err := c.call(ctx, Message{Type: MsgSetAnswer, CallID: callID, Description: &d, Generation: generation})
	return err
}

func (c *Client) AddCandidate(ctx context.Context, callID string, rec mailbox.CandidateRecord) error {
	_, err := c.call(ctx, Message{Type: MsgAddCandidate, CallID: callID, Record: &rec})
	return err
}

func (c *Client) HasCandidate(ctx context.Context, callID, fromUser, candidate string) (bool, error) {
	reply, err := c.call(ctx, Message{
		Type:   MsgHasCandidate,
		CallID: callID,
		Record: &mailbox.CandidateRecord{FromUser: fromUser, Candidate: candidate},
	})
	return reply.Exists, err
}

func (c *Client) Delete(ctx context.Context, callID string) error {
	_, err := c.call(ctx, Message{Type: MsgDelete, CallID: callID})
	return err
}

func (c *Client) Watch(ctx context.Context, callID string) (<-chan *mailbox.CallSession, func(), error) {
	feed := mailbox.NewFeed[*mailbox.CallSession]()
	stop, err := c.watch(ctx, MsgWatch, callID, feed.Close, func(m Message) {
		if m.Session != nil {
			feed.Push(m.Session)
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return feed.C(), stop, nil
}

func (c *Client) WatchCandidates(ctx context.Context, callID string) (<-chan mailbox.CandidateRecord, func(), error) {
	feed := mailbox.NewFeed[mailbox.CandidateRecord]()
	stop, err := c.watch(ctx, MsgWatchCandidates, callID, feed.Close, func(m Message) {
		if m.Record != nil {
			feed.Push(*m.Record)
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return feed.C(), stop, nil
}

// watch registers a subscription before asking the server for it, so no
// event can arrive unrouted. The returned stop is idempotent.
func (c *Client) watch(ctx context.Context, typ MessageType, callID string, end func(), deliver func(Message)) (func(), error) {
	sub := c.seq.next()
	c.subs.register(sub, func(m Message) {
		if m.Type == MsgWatchEnd {
			end()
			return
		}
		deliver(m)
	})

	if _, err := c.call(ctx, Message{Type: typ, Sub: sub, CallID: callID}); err != nil {
		c.subs.unregister(sub)
		end()
		return nil, err
	}

	var once sync.Once
	stopped := make(chan struct{})
	stop := func() {
		once.Do(func() {
			close(stopped)
			c.subs.unregister(sub)
			end()
			select {
			case <-c.done:
			default:
				// Best effort; the server also drops the watch on disconnect.
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					c.call(ctx, Message{Type: MsgUnwatch, Sub: sub})
				}()
			}
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-c.done:
			stop()
		case <-stopped:
		}
	}()
	return stop, nil
}
