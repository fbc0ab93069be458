package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/aramoto99/new-aiaccel/internal/scheduler"
	"github.com/aramoto99/new-aiaccel/pkg/models"
)

func startGRPC(t *testing.T, run *fakeRun) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterTrialServiceServer(srv, NewGRPCServer(run, run).WithWatchInterval(5*time.Millisecond))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func TestGRPCSummaryAndTrials(t *testing.T) {
	run := newFakeRun(t)
	c := startGRPC(t, run)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := c.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", s.RunID)
	assert.Equal(t, 5, s.TrialNumber)
	assert.Equal(t, 1, s.Counts[models.TrialStateFailed])
	require.NotNil(t, s.Best)
	assert.Equal(t, 1.5, s.Best.Params["x"])

	trials, err := c.Trials(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, trials, 3)
	assert.Equal(t, models.TrialStateRunning, trials[2].State)

	finished, err := c.Trials(ctx, models.TrialStateFinished, 0)
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.Equal(t, 2.25, *finished[0].Objective)

	_, err = c.Trials(ctx, "bogus", 0)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	tr, err := c.Trial(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "exit status 1", tr.Error)

	_, err = c.Trial(ctx, 99)
	assert.Equal(t, codes.NotFound, status.Code(err))
	_, err = c.Trial(ctx, -4)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCCancel(t *testing.T) {
	run := newFakeRun(t)
	c := startGRPC(t, run)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := c.CancelTrial(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, models.TrialStateCancelled, tr.State)

	_, err = c.CancelTrial(ctx, 2)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	_, err = c.CancelTrial(ctx, 10)
	assert.Equal(t, codes.NotFound, status.Code(err))

	require.NoError(t, c.CancelRun(ctx))
	run.mu.Lock()
	assert.True(t, run.cancelled)
	run.running = false
	run.mu.Unlock()

	assert.Equal(t, codes.FailedPrecondition, status.Code(c.CancelRun(ctx)))
}

func TestGRPCWatchSummary(t *testing.T) {
	run := newFakeRun(t)
	c := startGRPC(t, run)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seen []*Summary
	err := c.Watch(ctx, func(s *Summary) error {
		seen = append(seen, s)
		switch len(seen) {
		case 1:
			run.advance(func(s *scheduler.Snapshot) {
				s.Issued = 4
				s.InFlight = []int{2, 3}
			})
		case 2:
			run.advance(func(s *scheduler.Snapshot) {
				s.Issued = 5
				s.InFlight = nil
				s.Counts = map[models.TrialState]int{models.TrialStateFinished: 4, models.TrialStateFailed: 1}
				s.Done = true
			})
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 3)
	assert.Equal(t, 3, seen[0].Issued)
	assert.Equal(t, []int{2, 3}, seen[1].InFlight)
	assert.True(t, seen[2].Done)
	assert.Equal(t, 4, seen[2].Counts[models.TrialStateFinished])
}

func TestGRPCWatchStopsOnCallbackError(t *testing.T) {
	run := newFakeRun(t)
	c := startGRPC(t, run)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stop := errors.New("stop")
	err := c.Watch(ctx, func(*Summary) error { return stop })
	assert.ErrorIs(t, err, stop)
}
