package adapter

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// acceptEncoding is sent explicitly, which turns off net/http's own gzip
// handling; responses go through decodeBody instead.
const acceptEncoding = "gzip, deflate, br, zstd"

// maxBodyBytes bounds how much of any upstream response is read.
const maxBodyBytes = 8 << 20

// BodyDecodeError is an answer whose status arrived but whose body could not
// be decoded: a corrupt compressed stream or an unsupported Content-Encoding.
// Unlike a transport failure it is a real, recordable response.
type BodyDecodeError struct {
	StatusCode int
	Err        error
}

func (e *BodyDecodeError) Error() string {
	return fmt.Sprintf("undecodable %d response body: %v", e.StatusCode, e.Err)
}

func (e *BodyDecodeError) Unwrap() error {
	return e.Err
}

// decodeBody wraps resp.Body according to its Content-Encoding. The caller
// closes the returned reader; resp.Body is closed separately.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return io.NopCloser(resp.Body), nil
	case "gzip":
		r, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip body: %w", err)
		}
		return r, nil
	case "deflate":
		return flate.NewReader(resp.Body), nil
	case "br":
		return io.NopCloser(brotli.NewReader(resp.Body)), nil
	case "zstd":
		d, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd body: %w", err)
		}
		return d.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}

// readBody decodes and reads the whole response body, then closes it. Decoding
// failures are *BodyDecodeError; a connection dropped mid-body is a plain error.
func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	r, err := decodeBody(resp)
	if err != nil {
		return nil, &BodyDecodeError{StatusCode: resp.StatusCode, Err: err}
	}
	defer r.Close()

	body, err := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	if err == nil {
		return body, nil
	}
	if isEncoded(resp) && !isTransportError(err) {
		return nil, &BodyDecodeError{StatusCode: resp.StatusCode, Err: err}
	}
	return nil, fmt.Errorf("failed to read response body: %w", err)
}

func isEncoded(resp *http.Response) bool {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	return enc != "" && enc != "identity"
}

func isTransportError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
