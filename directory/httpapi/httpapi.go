// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package httpapi implements a gateway directory source backed by the
// public HTTP directory API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzenvpn/core/gateway"
	"github.com/katzenpost/katzenvpn/core/log"
	"github.com/katzenpost/katzenvpn/directory"
	"github.com/katzenpost/katzenvpn/internal/proxy"
)

const (
	maxResponseSize = 8 << 20
	requestTimeout  = 20 * time.Second
)

// wireNode is a gateway as serialized by the directory API.
type wireNode struct {
	IdentityKey string `json:"identity_key"`
	Name        string `json:"name"`
	Location    struct {
		Country string `json:"two_letter_iso_country_code"`
	} `json:"location"`
	Performance struct {
		Mixnet    gateway.Score `json:"mixnet_score"`
		Wireguard gateway.Score `json:"vpn_score"`
	} `json:"performance"`
	Roles struct {
		Entry bool `json:"entry"`
		Exit  bool `json:"exit"`
		VPN   bool `json:"vpn"`
	} `json:"roles"`
}

func (w *wireNode) node() *gateway.Node {
	return &gateway.Node{
		ID:             w.IdentityKey,
		Name:           w.Name,
		Country:        w.Location.Country,
		MixnetScore:    w.Performance.Mixnet,
		WireguardScore: w.Performance.Wireguard,
		SupportsEntry:  w.Roles.Entry,
		SupportsExit:   w.Roles.Exit,
		SupportsVPN:    w.Roles.VPN,
	}
}

// Client is a directory.Source querying the HTTP directory API.
type Client struct {
	log     *logging.Logger
	baseURL *url.URL
	http    *http.Client
}

// New creates a Client for the directory API at baseURL, dialing through
// the upstream proxy if one is configured.
func New(baseURL string, upstream *proxy.Config, logBackend *log.Backend) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("httpapi: invalid directory URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("httpapi: invalid directory URL scheme: '%v'", u.Scheme)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if upstream != nil {
		dialFn, err := upstream.ToDialContext()
		if err != nil {
			return nil, err
		}
		if dialFn != nil {
			transport.Proxy = nil
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialFn(ctx, network, addr)
			}
		}
	}

	return &Client{
		log:     logBackend.GetLogger("directory/http"),
		baseURL: u,
		http: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
	}, nil
}

func (c *Client) endpoint(mode gateway.Mode, hop gateway.Hop) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/gateways"
	q := url.Values{}
	q.Set("mode", mode.String())
	q.Set("hop", hop.String())
	u.RawQuery = q.Encode()
	return u.String()
}

// ListGateways implements directory.Source.
func (c *Client) ListGateways(ctx context.Context, mode gateway.Mode, hop gateway.Hop, userAgent string) ([]*gateway.Node, error) {
	endpoint := c.endpoint(mode, hop)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	c.log.Debugf("GET %v", endpoint)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &directory.FetchError{Kind: directory.Unreachable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &directory.FetchError{
			Kind: directory.Unreachable,
			Err:  fmt.Errorf("unexpected HTTP status: %v", resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, &directory.FetchError{Kind: directory.Unreachable, Err: err}
	}
	if len(body) > maxResponseSize {
		return nil, &directory.FetchError{Kind: directory.Malformed, Err: errors.New("response too large")}
	}

	var wire []wireNode
	if err = json.Unmarshal(body, &wire); err != nil {
		return nil, &directory.FetchError{Kind: directory.Malformed, Err: err}
	}
	nodes := make([]*gateway.Node, 0, len(wire))
	for i := range wire {
		nodes = append(nodes, wire[i].node())
	}
	return nodes, nil
}
