package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Default deadlines for bridge calls.
const (
	RosterTimeout    = 10 * time.Second
	ImportTimeout    = 30 * time.Second
	CVTimeout        = 30 * time.Second
	CVPerItemTimeout = 30 * time.Second

	batchOpReadDone  = "read_batch_complete"
	batchOpWriteDone = "write_batch_complete"
)

func call[T any](ctx context.Context, c *Correlator, req Request, timeout time.Duration) (*T, error) {
	raw, err := c.Send(ctx, req, timeout)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode %s response: %v", ErrTimeout, req.Kind(), err)
	}
	return &out, nil
}

// QueryRoster looks up the roster by id, falling back to address when id
// is empty.
func (c *Correlator) QueryRoster(ctx context.Context, rosterID string, address int) (*RosterInfo, error) {
	q := &RosterQuery{RosterID: rosterID}
	if rosterID == "" {
		q.Address = &address
	}
	return call[RosterInfo](ctx, c, q, RosterTimeout)
}

// ImportSpeedProfile pushes a measured profile into the roster entry.
func (c *Correlator) ImportSpeedProfile(ctx context.Context, imp ProfileImport) (*ImportStatus, error) {
	return call[ImportStatus](ctx, c, &imp, ImportTimeout)
}

func (c *Correlator) ReadCV(ctx context.Context, cv int) (*CVResult, error) {
	return call[CVResult](ctx, c, &CVRead{CV: cv}, c.cvTimeout())
}

func (c *Correlator) WriteCV(ctx context.Context, cv, value int) (*CVResult, error) {
	return call[CVResult](ctx, c, &CVWrite{CV: cv, Value: value}, c.cvTimeout())
}

func (c *Correlator) cvTimeout() time.Duration {
	if c.CVTimeout > 0 {
		return c.CVTimeout
	}
	return CVTimeout
}

// ReadCVs reads several CVs in one request. The deadline scales with the
// number of CVs.
func (c *Correlator) ReadCVs(ctx context.Context, cvs []int) ([]CVResult, error) {
	res, err := call[CVResult](ctx, c, &CVReadBatch{CVs: cvs}, time.Duration(len(cvs))*CVPerItemTimeout)
	if err != nil {
		return nil, err
	}
	if res.Operation != batchOpReadDone {
		return nil, fmt.Errorf("rpc: unexpected batch read operation %q", res.Operation)
	}
	return res.Results, nil
}

func (c *Correlator) WriteCVs(ctx context.Context, writes []CVValue) ([]CVResult, error) {
	res, err := call[CVResult](ctx, c, &CVWriteBatch{Writes: writes}, time.Duration(len(writes))*CVPerItemTimeout)
	if err != nil {
		return nil, err
	}
	if res.Operation != batchOpWriteDone {
		return nil, fmt.Errorf("rpc: unexpected batch write operation %q", res.Operation)
	}
	return res.Results, nil
}
