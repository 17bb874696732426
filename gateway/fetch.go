package gateway

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"sync"

	"ceuplanner/auth"
)

// Blob is a downloaded binary held in a temporary file. The file exists until
// Close.
type Blob struct {
	Path        string
	ContentType string
	Size        int64

	once sync.Once
	err  error
}

// Close removes the backing file. It is safe to call more than once.
func (b *Blob) Close() error {
	b.once.Do(func() {
		if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
			b.err = err
		}
	})
	return b.err
}

// Fetch downloads path with the current bearer token into a temporary file.
// It does not refresh or retry. Cancelling ctx aborts the download, and a
// cancellation noticed after the body was written removes the file before
// returning.
func (g *Gateway) Fetch(ctx context.Context, path string) (*Blob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url(path), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if g.auth.Configured() {
		if token, ok := g.auth.ValidAccessToken(ctx); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &auth.NetworkError{Op: "GET " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Status: resp.StatusCode, Details: readDetail(resp.Body)}
	}

	f, err := os.CreateTemp("", "ceuplanner-blob-*"+extensionFor(resp.Header.Get("Content-Type")))
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	blob := &Blob{Path: f.Name(), ContentType: resp.Header.Get("Content-Type")}

	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		_ = blob.Close()
		return nil, ctxErr
	}
	if copyErr != nil {
		_ = blob.Close()
		return nil, &auth.NetworkError{Op: "GET " + path, Err: copyErr}
	}
	if closeErr != nil {
		_ = blob.Close()
		return nil, fmt.Errorf("write temp file: %w", closeErr)
	}
	blob.Size = n
	return blob, nil
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}
