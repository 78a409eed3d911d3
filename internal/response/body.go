package response

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// maxBufferedBody bounds blocking-path response buffering.
const maxBufferedBody = 32 * 1024 * 1024

// ReadBody buffers and decompresses a blocking upstream response body
// according to Content-Encoding. Unknown encodings pass through as-is.
func ReadBody(resp *http.Response) ([]byte, error) {
	reader, err := decompressor(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(reader, maxBufferedBody))
	if err != nil {
		return nil, fmt.Errorf("response: read body: %w", err)
	}
	return body, nil
}

// DecompressStream wraps a streaming body in the matching decompressor.
func DecompressStream(r io.Reader, encoding string) (io.Reader, error) {
	return decompressor(r, encoding)
}

func decompressor(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return r, nil
	case "gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("response: gzip: %w", err)
		}
		return gz, nil
	case "deflate":
		return flate.NewReader(r), nil
	case "br":
		return brotli.NewReader(r), nil
	default:
		return r, nil
	}
}
