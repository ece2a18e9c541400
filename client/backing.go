package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"pkt.systems/leasewire/api"
	"pkt.systems/leasewire/internal/codec"
)

// remoteBacking serves txstore.Backing over the channel. Object bytes travel
// on multiplexed streams; everything else is a plain call.
type remoteBacking struct {
	c *Client
}

func (b *remoteBacking) call(ctx context.Context, kind api.CallKind, params, out any) error {
	return remoteErr(b.c.d.Call(ctx, kind, params, out, 0))
}

func (b *remoteBacking) ReadPage(ctx context.Context, ref api.PageRef) ([]api.Record, bool, error) {
	var resp api.PageReadResponse
	if err := b.call(ctx, api.KindPageRead, ref, &resp); err != nil {
		return nil, false, err
	}
	return resp.Records, resp.Found, nil
}

func (b *remoteBacking) WritePage(ctx context.Context, ref api.PageRef, records []api.Record) error {
	return b.call(ctx, api.KindPageWrite, api.PageWriteRequest{PageRef: ref, Records: records}, nil)
}

func (b *remoteBacking) CreatePage(ctx context.Context, ref api.PageRef) (bool, error) {
	var resp api.PageCreateResponse
	if err := b.call(ctx, api.KindPageCreate, ref, &resp); err != nil {
		return false, err
	}
	return resp.Created, nil
}

func (b *remoteBacking) DeletePage(ctx context.Context, ref api.PageRef) (bool, error) {
	var resp api.PageDeleteResponse
	if err := b.call(ctx, api.KindPageDelete, ref, &resp); err != nil {
		return false, err
	}
	return resp.Deleted, nil
}

func (b *remoteBacking) ListPages(ctx context.Context, namespace, prefix string) ([]string, error) {
	var resp api.PageListResponse
	if err := b.call(ctx, api.KindPageList, api.PageListRequest{Namespace: namespace, Prefix: prefix}, &resp); err != nil {
		return nil, err
	}
	return resp.Pages, nil
}

// WriteObject opens an outbound stream, announces it with objectWrite, then
// drains r into it. The agent answers once the object is stored.
func (b *remoteBacking) WriteObject(ctx context.Context, ref api.PageRef, objectID string, r io.Reader) (int64, error) {
	out, err := b.c.mux.Open()
	if err != nil {
		return 0, err
	}
	req := api.ObjectRequest{PageRef: ref, ObjectID: objectID, StreamID: out.ID()}
	pending, err := b.c.d.Start(ctx, api.KindObjectWrite, req, b.c.objectTimeout, nil)
	if err != nil {
		_ = b.c.mux.Abort(ctx, out)
		return 0, err
	}
	sent, sendErr := b.c.mux.Send(ctx, out, r)
	body, err := pending.Wait(ctx)
	if sendErr != nil {
		return sent, fmt.Errorf("client: stream object %s: %w", objectID, sendErr)
	}
	if err != nil {
		return sent, remoteErr(err)
	}
	var resp api.ObjectResponse
	if err := codec.Decode(b.c.codec, body, &resp); err != nil {
		return sent, fmt.Errorf("client: decode objectWrite response: %w", err)
	}
	return resp.Size, nil
}

// ReadObject reserves an inbound stream and asks the agent to fill it. The
// agent pushes every chunk before it answers.
func (b *remoteBacking) ReadObject(ctx context.Context, ref api.PageRef, objectID string) (io.ReadCloser, error) {
	in, err := b.c.mux.Reserve()
	if err != nil {
		return nil, err
	}
	var resp api.ObjectResponse
	req := api.ObjectRequest{PageRef: ref, ObjectID: objectID, StreamID: in.ID()}
	if err := remoteErr(b.c.d.Call(ctx, api.KindObjectRead, req, &resp, b.c.objectTimeout)); err != nil {
		in.Abort(err)
		return nil, err
	}
	if !resp.Found {
		_ = in.Close()
		return nil, &api.ConflictError{Reason: api.ConflictNotFound, Detail: "object " + objectID}
	}
	return in, nil
}

func (b *remoteBacking) DeleteObject(ctx context.Context, ref api.PageRef, objectID string) (bool, error) {
	var resp api.ObjectResponse
	if err := b.call(ctx, api.KindObjectDelete, api.ObjectRequest{PageRef: ref, ObjectID: objectID}, &resp); err != nil {
		return false, err
	}
	return resp.Found, nil
}

// remoteErr maps agent rejections onto the local taxonomy: conflicts by
// reason, validation failures as *api.ValidationError.
func remoteErr(err error) error {
	if err == nil {
		return nil
	}
	var remote *api.RemoteError
	if errors.As(err, &remote) && remote.Code == api.CodeClientError && remote.Reason == "validation" {
		return &api.ValidationError{Op: string(remote.Kind), Reason: remote.Message}
	}
	return api.ConflictFromRemote(err)
}
