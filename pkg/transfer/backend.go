package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Status callbacks a sender can push to a receiver.
const (
	StatusReady   = "ready"
	StatusPublish = "publish"
	StatusRevert  = "revert"
)

// Object types a receiver accepts uploads for.
const (
	ObjectData  = "data"
	ObjectFiles = "files"
)

// Backend delivers an exported bundle to its destination.
type Backend interface {
	// SendObject transmits one bundle file for a workspace.
	SendObject(ctx context.Context, objectType, workspaceID, filename string, content io.Reader) error
	// UpdateStatus signals a lifecycle transition for a workspace on the
	// receiving side.
	UpdateStatus(ctx context.Context, statusType, workspaceID string) error
}

// NewBackend selects a backend by name.
func NewBackend(name, endpoint, deployDir string, tokens *TokenIssuer, logger *logrus.Logger) (Backend, error) {
	if logger == nil {
		logger = logrus.New()
	}
	switch name {
	case "", "noop":
		return &NoopBackend{log: logger}, nil
	case "http":
		if endpoint == "" {
			return nil, fmt.Errorf("http backend needs a remote endpoint")
		}
		return &HTTPBackend{
			endpoint: endpoint,
			tokens:   tokens,
			client:   &http.Client{Timeout: 2 * time.Minute},
			log:      logger,
		}, nil
	case "dir":
		if deployDir == "" {
			return nil, fmt.Errorf("dir backend needs a deploy directory")
		}
		return &DirBackend{dir: deployDir, log: logger}, nil
	default:
		return nil, fmt.Errorf("unknown transfer backend %q", name)
	}
}

// HTTPBackend pushes bundles to a remote receiver over the transfer
// endpoints, authenticated per request with a fresh token.
type HTTPBackend struct {
	endpoint string
	tokens   *TokenIssuer
	client   *http.Client
	log      *logrus.Logger
}

func (b *HTTPBackend) SendObject(ctx context.Context, objectType, workspaceID, filename string, content io.Reader) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, content); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	// The upload token binds the filename, so it cannot be replayed to
	// plant a different file.
	url := fmt.Sprintf("%s/import/%s/%s?token=%s",
		b.endpoint, objectType, workspaceID, b.tokens.Token(workspaceID, filename))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return b.do(req, "sending "+filename)
}

func (b *HTTPBackend) UpdateStatus(ctx context.Context, statusType, workspaceID string) error {
	url := fmt.Sprintf("%s/status/%s/%s?token=%s",
		b.endpoint, statusType, workspaceID, b.tokens.Token(statusType, workspaceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	return b.do(req, "status "+statusType)
}

func (b *HTTPBackend) do(req *http.Request, what string) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: remote answered %d: %s", what, resp.StatusCode, msg)
	}
	return nil
}

// DirBackend drops bundles into a local directory, for single-host setups
// where the receiving side watches the filesystem.
type DirBackend struct {
	dir string
	log *logrus.Logger
}

func (b *DirBackend) SendObject(ctx context.Context, objectType, workspaceID, filename string, content io.Reader) error {
	target := filepath.Join(b.dir, workspaceID, filename)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (b *DirBackend) UpdateStatus(ctx context.Context, statusType, workspaceID string) error {
	target := filepath.Join(b.dir, workspaceID, "status."+statusType)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
}

// NoopBackend swallows everything. It stands in where no deployment target
// is configured.
type NoopBackend struct {
	log *logrus.Logger
}

func (b *NoopBackend) SendObject(ctx context.Context, objectType, workspaceID, filename string, content io.Reader) error {
	b.log.WithFields(logrus.Fields{
		"workspace": workspaceID,
		"file":      filename,
	}).Debug("noop backend dropped object")
	return nil
}

func (b *NoopBackend) UpdateStatus(ctx context.Context, statusType, workspaceID string) error {
	b.log.WithFields(logrus.Fields{
		"workspace": workspaceID,
		"status":    statusType,
	}).Debug("noop backend dropped status update")
	return nil
}
