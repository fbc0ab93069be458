package server

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/aramoto99/new-aiaccel/pkg/models"
)

// Client calls hpo.v1.TrialService and decodes the Struct responses.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Summary(ctx context.Context) (*Summary, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("GetSummary"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var s Summary
	if err := FromStruct(out, &s); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &s, nil
}

// Trials lists trials, optionally filtered by state and trimmed to the
// last limit entries.
func (c *Client) Trials(ctx context.Context, state models.TrialState, limit int) ([]*models.Trial, error) {
	req, err := structpb.NewStruct(map[string]any{"state": string(state), "limit": limit})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("ListTrials"), req, out); err != nil {
		return nil, err
	}
	var resp struct {
		Trials []*models.Trial `json:"trials"`
	}
	if err := FromStruct(out, &resp); err != nil {
		return nil, fmt.Errorf("decode trials: %w", err)
	}
	return resp.Trials, nil
}

func (c *Client) Trial(ctx context.Context, id int) (*models.Trial, error) {
	return c.trialCall(ctx, "GetTrial", id)
}

// CancelTrial cancels one trial and returns its final record.
func (c *Client) CancelTrial(ctx context.Context, id int) (*models.Trial, error) {
	return c.trialCall(ctx, "CancelTrial", id)
}

func (c *Client) CancelRun(ctx context.Context) error {
	return c.cc.Invoke(ctx, fullMethod("CancelRun"), &emptypb.Empty{}, new(emptypb.Empty))
}

// Watch calls fn with every summary the server streams until the run is
// done, ctx ends or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(*Summary) error) error {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("WatchSummary"))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		var s Summary
		if err := FromStruct(msg, &s); err != nil {
			return fmt.Errorf("decode summary: %w", err)
		}
		if err := fn(&s); err != nil {
			return err
		}
	}
}

func (c *Client) trialCall(ctx context.Context, method string, id int) (*models.Trial, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), wrapperspb.Int64(int64(id)), out); err != nil {
		return nil, err
	}
	var t models.Trial
	if err := FromStruct(out, &t); err != nil {
		return nil, fmt.Errorf("decode trial: %w", err)
	}
	return &t, nil
}
