package adapter

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = `<html><body><p class="frame__chara__name">Alpha Beta</p></body></html>`

func encoded(t *testing.T, encoding string) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch encoding {
	case "gzip":
		w := gzip.NewWriter(&buf)
		_, err := w.Write([]byte(page))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case "br":
		w := brotli.NewWriter(&buf)
		_, err := w.Write([]byte(page))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case "zstd":
		enc, err := zstd.NewWriter(nil)
		require.NoError(t, err)
		buf.Write(enc.EncodeAll([]byte(page), nil))
		require.NoError(t, enc.Close())
	default:
		buf.WriteString(page)
	}
	return buf.Bytes()
}

func TestReadBody_Encodings(t *testing.T) {
	for _, enc := range []string{"", "gzip", "br", "zstd"} {
		t.Run("encoding="+enc, func(t *testing.T) {
			resp := &http.Response{
				Header: http.Header{},
				Body:   io.NopCloser(bytes.NewReader(encoded(t, enc))),
			}
			if enc != "" {
				resp.Header.Set("Content-Encoding", enc)
			}

			body, err := readBody(resp)
			require.NoError(t, err)
			assert.Equal(t, page, string(body))
		})
	}
}

func TestReadBody_UnknownEncoding(t *testing.T) {
	resp := &http.Response{
		Header: http.Header{"Content-Encoding": []string{"compress"}},
		Body:   io.NopCloser(bytes.NewReader([]byte("x"))),
	}
	_, err := readBody(resp)
	assert.ErrorContains(t, err, "unsupported content encoding")
	var decodeErr *BodyDecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestReadBody_CorruptStreamIsDecodeError(t *testing.T) {
	for _, enc := range []string{"gzip", "zstd"} {
		t.Run("encoding="+enc, func(t *testing.T) {
			resp := &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{"Content-Encoding": []string{enc}},
				Body:       io.NopCloser(bytes.NewReader([]byte("this is not a compressed stream"))),
			}
			_, err := readBody(resp)

			var decodeErr *BodyDecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.Equal(t, http.StatusOK, decodeErr.StatusCode)
		})
	}
}

func TestReadBody_TruncatedStreamIsTransport(t *testing.T) {
	full := encoded(t, "gzip")
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Encoding": []string{"gzip"}},
		Body:       io.NopCloser(bytes.NewReader(full[:len(full)/2])),
	}
	_, err := readBody(resp)

	require.Error(t, err)
	var decodeErr *BodyDecodeError
	assert.False(t, errors.As(err, &decodeErr))
}
