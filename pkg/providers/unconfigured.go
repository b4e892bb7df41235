package providers

import (
	"context"
	"fmt"
)

// Unconfigured stands in for a provider that was never wired. Deployments
// supply real OCR, AI, and issue clients; every call on this one fails with
// a clear message naming the missing provider.
type Unconfigured struct {
	// Provider names the missing integration in error messages.
	Provider string
}

func (u Unconfigured) err() error {
	return fmt.Errorf("%s provider is not configured", u.Provider)
}

func (u Unconfigured) Recognize(ctx context.Context, storagePath string) (string, error) {
	return "", u.err()
}

func (u Unconfigured) Complete(ctx context.Context, prompt, content string) (string, error) {
	return "", u.err()
}

func (u Unconfigured) CreateIssue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	return nil, u.err()
}

func (u Unconfigured) UploadAttachments(ctx context.Context, issueKey string, storagePaths []string) (int, error) {
	return 0, u.err()
}

// Verify interface compliance
var (
	_ OCRClient   = Unconfigured{}
	_ AIClient    = Unconfigured{}
	_ IssueClient = Unconfigured{}
)
