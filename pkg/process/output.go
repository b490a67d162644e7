package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Output runs path with args, returning what the child wrote on stdout. The child's stderr goes to
// ours. A non zero exit is reported as *ExitError together with the partial output. The child is
// killed if ctx is done before it exits.
func Output(ctx context.Context, path string, args ...string) (string, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return "", fmt.Errorf("creating pipe for %s: %w", path, err)
	}
	defer r.Close()

	p, err := Command(path, args...).Redirect(w, Stdout).Inherit(Stderr).Spawn()
	if err != nil {
		return "", err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Kill()
		case <-stop:
		}
	}()

	out, readErr := io.ReadAll(r)
	status, err := p.Wait()
	if err != nil {
		return string(out), err
	}
	if readErr != nil {
		return string(out), fmt.Errorf("reading output of %s: %w", path, readErr)
	}
	if ctx.Err() != nil {
		return string(out), fmt.Errorf("%s: %w", path, ctx.Err())
	}
	if !status.Success() {
		return string(out), &ExitError{Path: path, Status: status}
	}
	return string(out), nil
}

// Line is Output trimmed of surrounding whitespace.
func Line(ctx context.Context, path string, args ...string) (string, error) {
	out, err := Output(ctx, path, args...)
	return strings.TrimSpace(out), err
}
