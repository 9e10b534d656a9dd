package mcp

import "sync"

// ChannelPair groups a request and response channel for one rendezvous. The
// session worker blocks on Resp after the socket server delivers into Req,
// making the permission round trip a one-shot channel exchange rather than a
// callback.
type ChannelPair[Req, Resp any] struct {
	Req  chan Req
	Resp chan Resp
}

// NewChannelPair creates a new ChannelPair with the given buffer size.
func NewChannelPair[Req, Resp any](bufferSize int) *ChannelPair[Req, Resp] {
	return &ChannelPair[Req, Resp]{
		Req:  make(chan Req, bufferSize),
		Resp: make(chan Resp, bufferSize),
	}
}

// Close closes the request channel, letting a draining consumer finish and
// exit. The response channel stays open so an in-flight reply never lands on
// a closed channel. Idempotent, and safe on a nil ChannelPair.
func (cp *ChannelPair[Req, Resp]) Close() {
	if cp == nil || cp.Req == nil {
		return
	}
	close(cp.Req)
	cp.Req = nil
}

// ForwardRequests starts a goroutine that forwards requests from reqCh to
// sendFn and sends responses back to respCh. On send errors, errRespFn is
// used to generate a fallback response. Used by the mcp-server subcommand to
// pump its local permission channel over the socket client.
func ForwardRequests[Req, Resp any](
	wg *sync.WaitGroup,
	reqCh <-chan Req,
	respCh chan<- Resp,
	sendFn func(Req) (Resp, error),
	errRespFn func(Req) Resp,
) {
	wg.Go(func() {
		for req := range reqCh {
			resp, err := sendFn(req)
			if err != nil {
				respCh <- errRespFn(req)
			} else {
				respCh <- resp
			}
		}
	})
}
