// Package router is the Fulfillment Router: it consumes RequestCreated
// events and fallback-poll results, enforces per-request single-flight,
// times out stale items, and delegates to the registered handler class
// for the request's endpoint.
package router

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relaymesh/apiagent/pkg/broadcast"
	"github.com/relaymesh/apiagent/pkg/handlers"
)

// ChainReader is the minimal read surface the router needs from the hub
// contract to recheck status immediately before submitting a fulfillment.
type ChainReader interface {
	RequestStatus(ctx context.Context, requestID [32]byte) (pending bool, err error)
	CreatedAt(ctx context.Context, requestID [32]byte) (time.Time, error)
	EndpointID(ctx context.Context, requestID [32]byte) ([32]byte, error)
	Params(ctx context.Context, requestID [32]byte) ([]byte, error)
}

// Sender is the narrow write surface the router needs: cancel a request or
// submit its fulfillment, both through the global transaction sender.
type Sender interface {
	CancelRequest(ctx context.Context, requestID [32]byte) error
	FulfillRequest(ctx context.Context, requestID [32]byte, response []byte) error
}

// FallbackScanner performs one chunked scan for still-PENDING request ids
// not already observed, closing gaps from dropped pushes or restarts.
type FallbackScanner func(ctx context.Context) ([][32]byte, error)

// Router dispatches each observed request id to exactly one concurrent
// fulfillment attempt, classifying by endpoint and enforcing staleness.
type Router struct {
	chain    ChainReader
	sender   Sender
	registry *handlers.Registry
	hub      *broadcast.Hub
	logger   *log.Logger

	inFlight singleflight.Group
	scan     FallbackScanner
}

// New builds a Router.
func New(chain ChainReader, sender Sender, registry *handlers.Registry, hub *broadcast.Hub, scan FallbackScanner, logger *log.Logger) *Router {
	return &Router{chain: chain, sender: sender, registry: registry, hub: hub, scan: scan, logger: logger}
}

// Route handles a single observed request id, per spec §4.6 steps 1-5. A
// duplicate call for an id whose attempt is still running does not start a
// second attempt: it waits for the original to finish and then returns.
func (r *Router) Route(ctx context.Context, requestID [32]byte) {
	key := fmt.Sprintf("%x", requestID)

	// singleflight.Do already gives "at most one concurrent execution per
	// key" (the single-flight guard) and releases the slot itself once
	// the function returns, so step 1 and step 5 (guaranteed release) are
	// both satisfied by construction.
	_, _, _ = r.inFlight.Do(key, func() (interface{}, error) {
		r.fulfill(ctx, requestID)
		return nil, nil
	})
}

func (r *Router) fulfill(ctx context.Context, requestID [32]byte) {
	createdAt, err := r.chain.CreatedAt(ctx, requestID)
	if err != nil {
		r.logger.Printf("router: failed to read createdAt for %x: %v", requestID, err)
		return
	}

	if time.Since(createdAt) > staleAfter {
		r.logger.Printf("router: request %x is stale, cancelling", requestID)
		r.hub.Publish(broadcast.Event{Type: broadcast.EventRequestTimeout, RequestID: fmt.Sprintf("%x", requestID), Timestamp: time.Now().Unix()})
		if err := r.sender.CancelRequest(ctx, requestID); err != nil {
			r.logger.Printf("router: failed to cancel stale request %x: %v", requestID, err)
		}
		return
	}

	endpointID, err := r.chain.EndpointID(ctx, requestID)
	if err != nil {
		r.logger.Printf("router: failed to read endpoint for %x: %v", requestID, err)
		return
	}

	handler, ok := r.registry.Lookup(endpointID)
	if !ok {
		r.logger.Printf("router: request %x has unknown endpoint %x, cancelling", requestID, endpointID)
		r.hub.Publish(broadcast.Event{
			Type:       broadcast.EventRequestTimeout,
			RequestID:  fmt.Sprintf("%x", requestID),
			EndpointID: fmt.Sprintf("%x", endpointID),
			Timestamp:  time.Now().Unix(),
			Data:       map[string]string{"reason": "unknown_endpoint"},
		})
		if err := r.sender.CancelRequest(ctx, requestID); err != nil {
			r.logger.Printf("router: failed to cancel unknown-endpoint request %x: %v", requestID, err)
		}
		return
	}

	params, err := r.chain.Params(ctx, requestID)
	if err != nil {
		r.logger.Printf("router: failed to read params for %x: %v", requestID, err)
		return
	}

	r.hub.Publish(broadcast.Event{Type: broadcast.EventRequestRouting, RequestID: fmt.Sprintf("%x", requestID), Timestamp: time.Now().Unix()})

	err = handler.Fulfill(ctx, requestID, params, func(ctx context.Context, requestID [32]byte, response []byte) error {
		// Race guard: reconfirm PENDING immediately before submission,
		// since another agent may have won the race since we observed
		// the event.
		pending, err := r.chain.RequestStatus(ctx, requestID)
		if err != nil {
			return fmt.Errorf("recheck status: %w", err)
		}
		if !pending {
			return nil
		}
		return r.sender.FulfillRequest(ctx, requestID, response)
	})
	if err != nil {
		r.logger.Printf("router: fulfillment of %x failed: %v", requestID, err)
		return
	}

	r.hub.Publish(broadcast.Event{Type: broadcast.EventRequestFulfilled, RequestID: fmt.Sprintf("%x", requestID), Timestamp: time.Now().Unix()})
}

const staleAfter = 5 * time.Minute

// RunFallback runs the 30s fallback poll loop until ctx is cancelled: each
// tick rescans still-PENDING requests and routes any not already in
// flight, closing gaps from dropped pushes or watcher restarts.
func (r *Router) RunFallback(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ids, err := r.scan(ctx)
		if err != nil {
			r.logger.Printf("router: fallback scan failed: %v", err)
			continue
		}
		for _, id := range ids {
			go r.Route(ctx, id)
		}
	}
}
