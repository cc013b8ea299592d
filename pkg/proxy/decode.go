// Copyright Pigeonworks LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// bodyReader is the response body as it is sent to the client.
type bodyReader struct {
	io.Reader
	closers []func() error
}

func (b *bodyReader) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// hasBody reports whether a response to method can carry content.
func hasBody(method string, status int) bool {
	switch {
	case method == http.MethodHead:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	case status >= 100 && status < 200:
		return false
	}
	return true
}

// decodeBody wraps resp.Body so that the client receives identity-coded
// content. It reports whether Content-Encoding may be dropped: true for
// identity, gzip, deflate and zstd; false for anything else, which is passed
// through untouched.
func decodeBody(method string, resp *http.Response) (*bodyReader, bool, error) {
	raw := &bodyReader{Reader: resp.Body, closers: []func() error{resp.Body.Close}}

	coding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if coding == "" || coding == "identity" {
		return raw, true, nil
	}
	if !hasBody(method, resp.StatusCode) {
		return raw, true, nil
	}

	// Peek so an empty body with a coding header is not a decode error.
	br := bufio.NewReader(resp.Body)
	if _, err := br.Peek(1); err == io.EOF {
		raw.Reader = br
		return raw, true, nil
	}

	switch coding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, false, fmt.Errorf("failed to open gzip body: %w", err)
		}
		raw.Reader = zr
		raw.closers = append(raw.closers, zr.Close)
		return raw, true, nil
	case "deflate":
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, false, fmt.Errorf("failed to open deflate body: %w", err)
		}
		raw.Reader = zr
		raw.closers = append(raw.closers, zr.Close)
		return raw, true, nil
	case "zstd":
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, false, fmt.Errorf("failed to open zstd body: %w", err)
		}
		raw.Reader = zr
		raw.closers = append(raw.closers, func() error {
			zr.Close()
			return nil
		})
		return raw, true, nil
	default:
		raw.Reader = br
		return raw, false, nil
	}
}
