package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/MimeLyc/procmap-orchestrator/internal/remote"
)

// fakeRemote is an in-memory processing service.
type fakeRemote struct {
	mu sync.Mutex

	nextRunID  int
	uploadErr  error
	uploads    []string
	runs       map[string]remote.RunState
	fetchErr   map[string]error
	fetches    map[string]int
	fetchHook  func(runID string)
	advanceErr error
	advances   []string
	exports    map[string]string
	chatReply  string
	chatErr    error
	chatReqs   []remote.ChatRequest
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		runs:     make(map[string]remote.RunState),
		fetchErr: make(map[string]error),
		fetches:  make(map[string]int),
		exports:  make(map[string]string),
	}
}

func (f *fakeRemote) Upload(_ context.Context, filename string, content io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, content); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.nextRunID++
	id := fmt.Sprintf("r%d", f.nextRunID)
	f.uploads = append(f.uploads, filename)
	f.runs[id] = remote.RunState{Status: "transcribing"}
	return id, nil
}

func (f *fakeRemote) FetchRun(ctx context.Context, runID string) (*remote.RunState, error) {
	f.mu.Lock()
	f.fetches[runID]++
	hook := f.fetchHook
	err := f.fetchErr[runID]
	state, ok := f.runs[runID]
	f.mu.Unlock()

	if hook != nil {
		hook(runID)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &remote.StatusError{Method: "GET", Path: "/runs/" + runID, Code: 404, Message: "Run not found"}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return &state, nil
}

func (f *fakeRemote) Advance(_ context.Context, runID, step string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advances = append(f.advances, runID+"/"+step)
	return f.advanceErr
}

func (f *fakeRemote) Export(_ context.Context, runID, kind string) (*remote.Export, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.exports[runID+"/"+kind]
	if !ok {
		return nil, remote.ErrEmptyContent
	}
	return &remote.Export{Content: &content, Filename: kind + ".md"}, nil
}

func (f *fakeRemote) Chat(_ context.Context, req remote.ChatRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatReqs = append(f.chatReqs, req)
	if f.chatErr != nil {
		return "", f.chatErr
	}
	return f.chatReply, nil
}

func (f *fakeRemote) setRun(runID string, state remote.RunState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[runID] = state
}

func (f *fakeRemote) failFetch(runID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fetchErr, runID)
		return
	}
	f.fetchErr[runID] = err
}

func (f *fakeRemote) setAdvanceErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanceErr = err
}

func (f *fakeRemote) advanceCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.advances...)
}

func (f *fakeRemote) fetchCount(runID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[runID]
}

var errServer = errors.New("HTTP error! status: 500")
