package dockergateway

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"github.com/docker/docker/pkg/stdcopy"
)

// demux splits a multiplexed exec/attach stream into its stdout and
// stderr components using Docker's own frame format (the same one
// stdcopy.StdCopy understands).
func demux(r io.Reader) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, r); err != nil {
		return "", "", err
	}
	return outBuf.String(), errBuf.String(), nil
}

// streamLines reads a multiplexed container log stream frame by
// frame and pushes complete lines onto lines, stopping when ctx is
// canceled or the reader reaches EOF.
func streamLines(ctx context.Context, r io.Reader, lines chan<- string) {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, r)
		pw.CloseWithError(err)
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case lines <- scanner.Text():
		}
	}
}
