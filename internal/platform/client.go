package platform

import (
	"context"
	"fmt"

	"telechat/internal/backend"
)

// Client implements backend.Client for one session, or for the service role
// when session is nil.
type Client struct {
	p       *Platform
	session *backend.Session
}

var _ backend.Client = (*Client)(nil)

func (c *Client) Session() (backend.Session, bool) {
	if c.session == nil {
		return backend.Session{}, false
	}
	return *c.session, true
}

func (c *Client) Select(ctx context.Context, q backend.Query, dest any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rows, err := c.p.store.Select(q)
	if err != nil {
		return err
	}
	return backend.DecodeResult(rows, dest)
}

func (c *Client) SelectOne(ctx context.Context, q backend.Query, dest any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rows, err := c.p.store.Select(q.Limit(1))
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("%s: %w", q, backend.ErrNotFound)
	}
	if dest == nil {
		return nil
	}
	return backend.Decode(rows[0], dest)
}

func (c *Client) Insert(ctx context.Context, table string, rows any, dest any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := backend.ToRows(rows)
	if err != nil {
		return err
	}
	for _, row := range in {
		if err := c.authorize(opInsert, table, row); err != nil {
			return err
		}
	}
	inserted, err := c.p.store.Insert(table, in)
	if err != nil {
		return err
	}
	for _, row := range inserted {
		c.p.publish(backend.EventInsert, table, row, nil)
	}
	c.p.log.Debug().Str("table", table).Int("rows", len(inserted)).Msg("rows inserted")
	return backend.DecodeResult(inserted, dest)
}

func (c *Client) Update(ctx context.Context, q backend.Query, patch any, dest any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	row, err := backend.ToRow(patch)
	if err != nil {
		return err
	}
	if err := c.authorizeExisting(opUpdate, q); err != nil {
		return err
	}
	before, after, err := c.p.store.Update(q, row)
	if err != nil {
		return err
	}
	for i := range after {
		c.p.publish(backend.EventUpdate, q.Table, after[i], before[i])
	}
	return backend.DecodeResult(after, dest)
}

func (c *Client) Delete(ctx context.Context, q backend.Query) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.authorizeExisting(opDelete, q); err != nil {
		return err
	}
	removed, err := c.p.store.Delete(q)
	if err != nil {
		return err
	}
	for _, row := range removed {
		c.p.publish(backend.EventDelete, q.Table, nil, row)
	}
	return nil
}

func (c *Client) authorizeExisting(op operation, q backend.Query) error {
	if c.session == nil || !hasPolicy(op, q.Table) {
		return nil
	}
	rows, err := c.p.store.Select(q)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := c.authorize(op, q.Table, row); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) RPC(ctx context.Context, fn string, params map[string]any, dest any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, ok := functions[fn]
	if !ok {
		return fmt.Errorf("%w: %s", backend.ErrUnknownFunction, fn)
	}
	result, err := f(ctx, c, params)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", fn, err)
	}
	if dest == nil {
		return nil
	}
	return backend.Decode(result, dest)
}

func (c *Client) Channel(name string) backend.Channel {
	return c.p.hub.Channel(name)
}

func (c *Client) Storage(bucket string) backend.Bucket {
	return &Bucket{p: c.p, name: bucket, session: c.session}
}
