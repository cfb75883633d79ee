package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/labor-dispatch/internal/dispatch"
	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// Client DispatchService 用戶端
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, name string, in any, out any) error {
	req, err := ToStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+name, req, resp); err != nil {
		return err
	}
	return FromStruct(resp, out)
}

func (c *Client) job(ctx context.Context, name string, req JobRequest) (*types.Job, error) {
	var job types.Job
	if err := c.invoke(ctx, name, req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) PostJob(ctx context.Context, in dispatch.NewJob) (*types.Job, error) {
	var job types.Job
	if err := c.invoke(ctx, "PostJob", in, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	return c.job(ctx, "GetJob", JobRequest{JobID: id})
}

func (c *Client) Accept(ctx context.Context, id types.JobID, phone string) (*types.Job, error) {
	return c.job(ctx, "Accept", JobRequest{JobID: id, Phone: phone})
}

func (c *Client) Decline(ctx context.Context, id types.JobID, phone string) (*types.Job, error) {
	return c.job(ctx, "Decline", JobRequest{JobID: id, Phone: phone})
}

func (c *Client) Cancel(ctx context.Context, id types.JobID, by, reason string) (*types.Job, error) {
	return c.job(ctx, "Cancel", JobRequest{JobID: id, By: by, Reason: reason})
}

func (c *Client) MarkAttendance(ctx context.Context, id types.JobID) (*types.Job, error) {
	return c.job(ctx, "MarkAttendance", JobRequest{JobID: id})
}

func (c *Client) MarkPaid(ctx context.Context, id types.JobID) (*types.Job, error) {
	return c.job(ctx, "MarkPaid", JobRequest{JobID: id})
}

func (c *Client) Stats(ctx context.Context) (dispatch.Stats, error) {
	var st dispatch.Stats
	err := c.invoke(ctx, "Stats", struct{}{}, &st)
	return st, err
}
