// Package providers defines the interfaces to the external services the
// pipeline calls out to. Implementations live with the deployment; the
// pipeline only depends on these contracts, which keeps every step testable
// with in-memory fakes.
package providers

import "context"

// OCRClient extracts text from a stored image.
type OCRClient interface {
	// Recognize returns the text content of the image at storagePath.
	Recognize(ctx context.Context, storagePath string) (string, error)
}

// AIClient produces a completion for a prompt applied to content.
type AIClient interface {
	// Complete applies the prompt template to the content and returns the
	// model output.
	Complete(ctx context.Context, prompt, content string) (string, error)
}

// IssueRequest describes the issue to create in the external tracker.
type IssueRequest struct {
	Engine      string
	Project     string
	Priority    string
	BaseURL     string
	Labels      []string
	Title       string
	Description string
	Metadata    map[string]string
}

// IssueResult is the created issue's identity in the external tracker.
type IssueResult struct {
	Key string
	URL string
}

// IssueClient creates issues and uploads attachments in the configured
// tracker.
type IssueClient interface {
	// CreateIssue creates the issue and returns its key and URL.
	CreateIssue(ctx context.Context, req IssueRequest) (*IssueResult, error)

	// UploadAttachments attaches the files at the given storage paths to an
	// existing issue and returns how many uploaded.
	UploadAttachments(ctx context.Context, issueKey string, storagePaths []string) (int, error)
}
