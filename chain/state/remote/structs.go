package remote

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

/*
PendingResult is returned when calling the RPC asynchronously. It's kind of like a promise as seen in other
languages.
*/
type PendingResult struct {
	ctx  context.Context
	done chan struct{}

	result json.RawMessage
	err    error
}

func newPendingResult(ctx context.Context) *PendingResult {
	return &PendingResult{
		ctx:  ctx,
		done: make(chan struct{}),
	}
}

/*
GetResultBlocking blocks until the request completes and decodes the raw result into result, which must be a
pointer. A JSON null result decodes into a nil pointer/slice/map, so callers can detect missing objects.
*/
func (p *PendingResult) GetResultBlocking(result any) error {
	select {
	case <-p.done:
		if p.err != nil {
			return p.err
		}
		if len(p.result) == 0 {
			return nil
		}
		return errors.WithStack(json.Unmarshal(p.result, result))
	case <-p.ctx.Done():
		return errors.WithStack(p.ctx.Err())
	}
}
