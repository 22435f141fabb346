package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/protocol"
)

// Client calls the HTTP control API of a running bridge.
type Client struct {
	base string
	http *http.Client
}

func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: requestTimeout + 5*time.Second},
	}
}

// Do runs op remotely. A reply with OK=false is returned without error;
// err is reserved for transport and decoding failures.
func (c *Client) Do(ctx context.Context, op string, req protocol.ControlRequest) (protocol.ControlReply, error) {
	route, ok := opRoutes[op]
	if !ok {
		return protocol.ControlReply{}, fmt.Errorf("%w: %q", ErrUnknownOp, op)
	}
	var body *bytes.Reader
	if route.method == http.MethodPost {
		data, err := json.Marshal(req)
		if err != nil {
			return protocol.ControlReply{}, err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	httpReq, err := http.NewRequestWithContext(ctx, route.method, c.base+route.path, body)
	if err != nil {
		return protocol.ControlReply{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return protocol.ControlReply{}, fmt.Errorf("%s %s: %w", route.method, route.path, err)
	}
	defer resp.Body.Close()

	var reply protocol.ControlReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return protocol.ControlReply{}, fmt.Errorf("decode reply (HTTP %d): %w", resp.StatusCode, err)
	}
	return reply, nil
}
