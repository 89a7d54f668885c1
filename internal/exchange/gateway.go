package exchange

import "context"

// ExecutionGateway submits and cancels orders on the venue. Submit returns
// the venue-assigned order ID; fills, rejects, and cancels arrive later as
// OrderEvents on the private stream rather than in the Submit response.
type ExecutionGateway interface {
	Submit(ctx context.Context, order Order) (string, error)
	Cancel(ctx context.Context, instrument, clientRef string) error
}

// PositionGateway reports exchange ground truth. Used by reconciliation
// and by emergency-close sizing; never called on the quote path.
type PositionGateway interface {
	Positions(ctx context.Context, instrument string) ([]Position, error)
}
