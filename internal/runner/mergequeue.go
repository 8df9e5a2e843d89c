package runner

import (
	"context"

	"github.com/aristath/waverunner/internal/workspace"
)

// mergeRequest asks the merge goroutine to fold one completed workspace into
// the shared branch.
type mergeRequest struct {
	ws         *workspace.Workspace
	title      string
	responseCh chan mergeReply
}

type mergeReply struct {
	result *workspace.MergeResult
	err    error
}

// MergeQueue serializes squash merges against the shared branch. Tasks
// complete concurrently but their merges are applied one at a time, in
// completion order: whoever finishes first merges first.
type MergeQueue struct {
	requestCh chan mergeRequest
	manager   *workspace.Manager
	done      chan struct{}
}

// NewMergeQueue creates a merge queue. bufferSize should be at least the
// concurrency limit so completing tasks never block each other on submit.
func NewMergeQueue(manager *workspace.Manager, bufferSize int) *MergeQueue {
	if bufferSize <= 0 {
		bufferSize = 8
	}
	return &MergeQueue{
		requestCh: make(chan mergeRequest, bufferSize),
		manager:   manager,
		done:      make(chan struct{}),
	}
}

// Start launches the single merge goroutine. It processes requests until the
// context is cancelled.
func (q *MergeQueue) Start(ctx context.Context) {
	go q.handleMerges(ctx)
}

func (q *MergeQueue) handleMerges(ctx context.Context) {
	defer close(q.done)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-q.requestCh:
			result, err := q.manager.SquashMerge(req.ws, req.title)

			select {
			case <-ctx.Done():
				req.responseCh <- mergeReply{result: result, err: ctx.Err()}
				return
			default:
				req.responseCh <- mergeReply{result: result, err: err}
			}
		}
	}
}

// Merge submits a workspace for squash merging and waits for the outcome.
// Respects cancellation at both the submit and wait stages.
func (q *MergeQueue) Merge(ctx context.Context, ws *workspace.Workspace, title string) (*workspace.MergeResult, error) {
	responseCh := make(chan mergeReply, 1)
	req := mergeRequest{ws: ws, title: title, responseCh: responseCh}

	select {
	case q.requestCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case reply := <-responseCh:
		return reply.result, reply.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop blocks until the merge goroutine has exited.
func (q *MergeQueue) Stop() {
	<-q.done
}
