// Package handlers holds the registered endpoint handler classes the
// router dispatches to. Each handler is responsible for calling its
// upstream API, building response bytes, and submitting the fulfillment
// write — the router only classifies and delegates.
package handlers

import (
	"context"
	"fmt"
)

// UpstreamClient is the narrow interface a handler needs from whatever
// upstream API adapter actually talks HTTP; concrete adapters are an
// external collaborator per the runtime's scope, so handlers depend only
// on this shape rather than a concrete client.
type UpstreamClient interface {
	// Fetch sends params to the upstream API and returns raw response
	// bytes to be written on-chain as the fulfillment response.
	Fetch(ctx context.Context, params []byte) ([]byte, error)
}

// FulfillFunc performs the on-chain fulfillment of a request once response
// bytes are ready: re-checking PENDING status, running the profitability
// gate, estimating gas and submitting through the sender. It is supplied
// by the router so handlers don't need direct access to the sender/gate.
type FulfillFunc func(ctx context.Context, requestID [32]byte, response []byte) error

// Handler fulfills requests for one endpoint class.
type Handler interface {
	// Fulfill calls the upstream API for params and then invokes fulfill
	// with the resulting response bytes.
	Fulfill(ctx context.Context, requestID [32]byte, params []byte, fulfill FulfillFunc) error
}

type upstreamHandler struct {
	name   string
	client UpstreamClient
}

// NewUpstreamHandler builds a Handler that simply forwards params to
// client and hands the raw response to fulfill. Both registered classes
// (alchemy, opensea) share this shape; they differ only in which
// UpstreamClient they're constructed with.
func NewUpstreamHandler(name string, client UpstreamClient) Handler {
	return &upstreamHandler{name: name, client: client}
}

func (h *upstreamHandler) Fulfill(ctx context.Context, requestID [32]byte, params []byte, fulfill FulfillFunc) error {
	response, err := h.client.Fetch(ctx, params)
	if err != nil {
		return fmt.Errorf("handler %s: upstream fetch failed: %w", h.name, err)
	}
	return fulfill(ctx, requestID, response)
}

// Registry is the static map of endpoint id -> handler class the router
// consults to classify incoming requests.
type Registry struct {
	handlers map[[32]byte]Handler
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[[32]byte]Handler)}
}

// Register associates endpointID with a handler class.
func (r *Registry) Register(endpointID [32]byte, h Handler) {
	r.handlers[endpointID] = h
}

// Lookup returns the handler registered for endpointID, if any.
func (r *Registry) Lookup(endpointID [32]byte) (Handler, bool) {
	h, ok := r.handlers[endpointID]
	return h, ok
}
