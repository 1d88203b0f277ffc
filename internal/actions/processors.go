package actions

import (
	"context"
	"fmt"
)

// Router dispatches external calls by action id.
type Router map[string]Processor

func (r Router) Process(ctx context.Context, req *ProcessRequest) (*ExternalResult, error) {
	p, ok := r[req.ActionID]
	if !ok || p == nil {
		return nil, fmt.Errorf("%w: no processor for %s", ErrInvalidAction, req.ActionID)
	}
	return p.Process(ctx, req)
}
