package webhook

import (
	"io"
	"net/http"
)

// readBody drains up to maxResponseBody+1 bytes of a response so truncation
// can be detected without buffering arbitrarily large receiver responses.
func readBody(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil && len(data) == 0 {
		return err.Error()
	}
	return string(data)
}
