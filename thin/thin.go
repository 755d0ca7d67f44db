// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package thin implements the client side of the VPN daemon's thin client
// protocol: length prefixed CBOR frames over a unix or TCP socket.
package thin

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzenvpn/account"
	"github.com/katzenpost/katzenvpn/core/gateway"
	"github.com/katzenpost/katzenvpn/core/log"
	"github.com/katzenpost/katzenvpn/core/worker"
	"github.com/katzenpost/katzenvpn/tunnel"
)

const (
	messagePrefixLen = 4
	maxMessageSize   = 16 << 20
	eventQueueDepth  = 16

	// DefaultDialTimeout bounds the daemon connection attempt.
	DefaultDialTimeout = 10 * time.Second
)

// Config is the daemon connection configuration.
type Config struct {
	// Network is the daemon socket network ("unix", "tcp").
	Network string

	// Address is the daemon socket address.
	Address string

	// DialTimeout bounds the connection attempt.
	DialTimeout time.Duration
}

// Client is a connection to the VPN daemon.  It implements
// tunnel.EventSource, account.API and directory.Source.
type Client struct {
	worker.Worker

	log  *logging.Logger
	conn net.Conn

	writeMu sync.Mutex
	queryID atomic.Uint64
	pending sync.Map // uint64 -> chan *Reply

	eventCh   chan tunnel.Event
	closeOnce sync.Once
}

// Dial connects to the daemon.
func Dial(ctx context.Context, cfg *Config, logBackend *log.Backend) (*Client, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	d := &net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, cfg.Network, cfg.Address)
	if err != nil {
		return nil, &tunnel.ConnectError{Kind: tunnel.EngineUnreachable, Err: err}
	}
	return New(conn, logBackend), nil
}

// New creates a Client over an established daemon connection.
func New(conn net.Conn, logBackend *log.Backend) *Client {
	c := &Client{
		log:     logBackend.GetLogger("thin"),
		conn:    conn,
		eventCh: make(chan tunnel.Event, eventQueueDepth),
	}
	c.Go(c.worker)
	c.Go(func() {
		<-c.HaltCh()
		c.conn.Close()
	})
	return c
}

// Close tells the daemon the client is going away and tears the connection
// down.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if !c.IsHalted() {
			err = writeMessage(c.conn, &c.writeMu, &Request{IsThinClose: true})
		}
		c.Halt()
	})
	return err
}

func writeMessage(w io.Writer, mu *sync.Mutex, v interface{}) error {
	blob, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	if len(blob) > maxMessageSize {
		return fmt.Errorf("thin: message too large: %d", len(blob))
	}
	toSend := make([]byte, messagePrefixLen, messagePrefixLen+len(blob))
	binary.BigEndian.PutUint32(toSend, uint32(len(blob)))
	toSend = append(toSend, blob...)

	mu.Lock()
	defer mu.Unlock()
	count, err := w.Write(toSend)
	if err != nil {
		return err
	}
	if count != len(toSend) {
		return fmt.Errorf("thin: short write: %d != %d", count, len(toSend))
	}
	return nil
}

func readMessage(r io.Reader, v interface{}) error {
	prefix := make([]byte, messagePrefixLen)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return err
	}
	prefixLen := binary.BigEndian.Uint32(prefix)
	if prefixLen > maxMessageSize {
		return fmt.Errorf("thin: message too large: %d", prefixLen)
	}
	message := make([]byte, prefixLen)
	if _, err := io.ReadFull(r, message); err != nil {
		return err
	}
	return cbor.Unmarshal(message, v)
}

func (c *Client) worker() {
	defer close(c.eventCh)
	for {
		response := new(Response)
		if err := readMessage(c.conn, response); err != nil {
			if !c.IsHalted() {
				if errors.Is(err, io.EOF) {
					c.log.Notice("Daemon closed the connection")
				} else {
					c.log.Errorf("Failed to read from daemon: %v", err)
				}
				go c.Halt()
			}
			return
		}

		var ev tunnel.Event
		switch {
		case response.Reply != nil:
			c.deliverReply(response.Reply)
			continue
		case response.ShutdownEvent != nil:
			c.log.Notice("Daemon is shutting down")
			go c.Halt()
			return
		case response.TunnelStateEvent != nil:
			e := response.TunnelStateEvent
			if e.State == nil {
				c.log.Error("bug: tunnel state event without a state")
				continue
			}
			s, err := e.State.State()
			if err != nil {
				c.log.Errorf("Invalid tunnel state event: %v", err)
				continue
			}
			ev = &tunnel.NewTunnelState{State: s, Session: e.Session}
		case response.MixnetTelemetryEvent != nil:
			e := response.MixnetTelemetryEvent
			ev = &tunnel.MixnetTelemetry{Info: e.Info, Session: e.Session}
		case response.BandwidthEvent != nil:
			if response.BandwidthEvent.Depleted {
				ev = &tunnel.BandwidthDepleted{}
			} else {
				ev = &tunnel.BandwidthLow{Remaining: response.BandwidthEvent.Remaining}
			}
		case response.NetworkEvent != nil:
			if response.NetworkEvent.Available {
				ev = &tunnel.NetworkRestored{}
			} else {
				ev = &tunnel.NetworkUnavailable{}
			}
		default:
			c.log.Error("bug: received invalid thin client message")
			continue
		}

		c.log.Debugf("Event: %v", ev)
		select {
		case c.eventCh <- ev:
		case <-c.HaltCh():
			return
		}
	}
}

func (c *Client) deliverReply(r *Reply) {
	chRaw, ok := c.pending.LoadAndDelete(r.QueryID)
	if !ok {
		c.log.Debugf("Dropping reply to unknown query %d", r.QueryID)
		return
	}
	chRaw.(chan *Reply) <- r
}

func (c *Client) roundTrip(ctx context.Context, req *Request) (*Reply, error) {
	if c.IsHalted() {
		return nil, ErrClosed
	}
	id := c.queryID.Add(1)
	req.QueryID = id
	replyCh := make(chan *Reply, 1)
	c.pending.Store(id, replyCh)
	defer c.pending.Delete(id)

	if err := writeMessage(c.conn, &c.writeMu, req); err != nil {
		if c.IsHalted() {
			return nil, ErrClosed
		}
		return nil, err
	}
	select {
	case r := <-replyCh:
		if err := replyError(r); err != nil {
			return nil, err
		}
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.HaltCh():
		return nil, ErrClosed
	}
}

// Events implements tunnel.EventSource.  The channel is closed when the
// connection goes away.
func (c *Client) Events() <-chan tunnel.Event {
	return c.eventCh
}

// Init implements tunnel.EventSource.
func (c *Client) Init(ctx context.Context, environment string, credentialMode tunnel.CredentialMode) error {
	_, err := c.roundTrip(ctx, &Request{
		Init: &InitRequest{Environment: environment, CredentialMode: credentialMode},
	})
	return err
}

// Connect implements tunnel.EventSource.
func (c *Client) Connect(ctx context.Context, req *tunnel.ConnectRequest) (uint64, error) {
	r, err := c.roundTrip(ctx, &Request{Connect: req})
	if err != nil {
		return 0, err
	}
	return r.Session, nil
}

// Disconnect implements tunnel.EventSource.
func (c *Client) Disconnect(ctx context.Context) error {
	_, err := c.roundTrip(ctx, &Request{Disconnect: &struct{}{}})
	return err
}

// CurrentState implements tunnel.EventSource.
func (c *Client) CurrentState(ctx context.Context) (tunnel.State, error) {
	r, err := c.roundTrip(ctx, &Request{CurrentState: &struct{}{}})
	if err != nil {
		return nil, err
	}
	if r.State == nil {
		return nil, errors.New("thin: current state reply without a state")
	}
	return r.State.State()
}

// IsMnemonicStored implements account.API.
func (c *Client) IsMnemonicStored(ctx context.Context) (bool, error) {
	r, err := c.roundTrip(ctx, &Request{IsMnemonicStored: &struct{}{}})
	if err != nil {
		return false, err
	}
	return r.MnemonicStored, nil
}

// StoreMnemonic implements account.API.
func (c *Client) StoreMnemonic(ctx context.Context, mnemonic string) error {
	_, err := c.roundTrip(ctx, &Request{StoreMnemonic: &StoreMnemonicRequest{Mnemonic: mnemonic}})
	return err
}

// RemoveMnemonic implements account.API.
func (c *Client) RemoveMnemonic(ctx context.Context) error {
	_, err := c.roundTrip(ctx, &Request{RemoveMnemonic: &struct{}{}})
	return err
}

// GetAccountSummary implements account.API.
func (c *Client) GetAccountSummary(ctx context.Context) (*account.Summary, error) {
	r, err := c.roundTrip(ctx, &Request{GetAccountSummary: &struct{}{}})
	if err != nil {
		return nil, err
	}
	if r.Summary == nil {
		return nil, errors.New("thin: account summary reply without a summary")
	}
	return r.Summary, nil
}

// GetAccountLinks implements account.API.
func (c *Client) GetAccountLinks(ctx context.Context, locale string) (*account.Links, error) {
	r, err := c.roundTrip(ctx, &Request{GetAccountLinks: &GetAccountLinksRequest{Locale: locale}})
	if err != nil {
		return nil, err
	}
	if r.Links == nil {
		return nil, errors.New("thin: account links reply without links")
	}
	return r.Links, nil
}

// ListGateways implements directory.Source.
func (c *Client) ListGateways(ctx context.Context, mode gateway.Mode, hop gateway.Hop, userAgent string) ([]*gateway.Node, error) {
	r, err := c.roundTrip(ctx, &Request{
		ListGateways: &ListGatewaysRequest{Mode: mode, Hop: hop, UserAgent: userAgent},
	})
	if err != nil {
		return nil, err
	}
	return r.Gateways, nil
}
