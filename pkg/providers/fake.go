package providers

import (
	"context"
	"fmt"
	"sync"
)

// FakeOCR is an OCRClient for tests. Text maps storage path to recognized
// text; Err, when set, is returned for every call.
type FakeOCR struct {
	mu    sync.Mutex
	Text  map[string]string
	Err   error
	calls []string
}

func (f *FakeOCR) Recognize(ctx context.Context, storagePath string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, storagePath)
	f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	return f.Text[storagePath], nil
}

// Calls returns the storage paths recognized so far.
func (f *FakeOCR) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// FakeAI is an AIClient for tests. Respond, when set, computes the output;
// otherwise the content is echoed with a marker prefix.
type FakeAI struct {
	mu      sync.Mutex
	Respond func(prompt, content string) (string, error)
	Err     error
	calls   int
}

func (f *FakeAI) Complete(ctx context.Context, prompt, content string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	if f.Respond != nil {
		return f.Respond(prompt, content)
	}
	return "ai: " + content, nil
}

// Calls returns how many completions were requested.
func (f *FakeAI) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FakeIssues is an IssueClient for tests, handing out sequential keys in the
// request's project.
type FakeIssues struct {
	mu        sync.Mutex
	Err       error
	UploadErr error
	Uploaded  int
	created   []IssueRequest
	next      int
}

func (f *FakeIssues) CreateIssue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.next++
	f.created = append(f.created, req)
	key := fmt.Sprintf("%s-%d", req.Project, f.next)
	return &IssueResult{Key: key, URL: req.BaseURL + "/browse/" + key}, nil
}

func (f *FakeIssues) UploadAttachments(ctx context.Context, issueKey string, storagePaths []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	if f.UploadErr != nil {
		return 0, f.UploadErr
	}
	f.Uploaded += len(storagePaths)
	return len(storagePaths), nil
}

// Created returns the issue requests received so far.
func (f *FakeIssues) Created() []IssueRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]IssueRequest, len(f.created))
	copy(out, f.created)
	return out
}

// Verify interface compliance
var (
	_ OCRClient   = (*FakeOCR)(nil)
	_ AIClient    = (*FakeAI)(nil)
	_ IssueClient = (*FakeIssues)(nil)
)
