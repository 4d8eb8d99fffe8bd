package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Shell-Stored-At"

// StoredResponse is a cached HTTP response together with the time it was
// written to the cache. The timestamp is used for eviction ordering only,
// freshness is decided by the dispatch strategy.
type StoredResponse struct {
	Response *http.Response
	StoredAt time.Time
}

// StoredResponseToBytes converts a stored response to its HTTP/1.1 wire
// representation. The stored-at time is carried in an internal header that is
// stripped again on read.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.Unix(), 10))
	bts, err := responseToBytes(res)
	res.Header.Del(storedAtHeaderName)
	return bts, err
}

// BytesToStoredResponse reads a stored response back from its wire
// representation. The body is fully buffered, so the returned response may be
// read (and its body re-read via ResponseToBytes) any number of times.
func BytesToStoredResponse(b []byte) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return sRes, err
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return sRes, err
	}
	res.Body.Close()
	res.Body = io.NopCloser(bytes.NewReader(body))
	if storedAtInt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		sRes.StoredAt = time.Unix(storedAtInt, 0)
	}
	res.Header.Del(storedAtHeaderName)
	sRes.Response = res
	return sRes, nil
}

// ResponseToBytes converts a response to its HTTP/1.1 wire representation,
// leaving the response body readable afterwards.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	return responseToBytes(res)
}

func responseToBytes(res *http.Response) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	bts := buf.Bytes()
	// res.Write consumed the body, set it back from the buffered copy
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, fmt.Errorf("re-read response: %w", err)
	}
	res.Body = clonedRes.Body
	return bts, nil
}

// Synthesize creates an in-memory response from scratch. It is used for the
// offline fallbacks, where no network response exists to serialize.
func Synthesize(status int, contentType string, body []byte) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", contentType)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// SynthesizeJSON creates an application/json response from a raw JSON string.
func SynthesizeJSON(status int, body string) *http.Response {
	return Synthesize(status, "application/json", []byte(body))
}

// SynthesizeText creates a text/plain response.
func SynthesizeText(status int, body string) *http.Response {
	return Synthesize(status, "text/plain; charset=utf-8", []byte(body))
}

// ReadBody returns the full body of a response and resets the body so it can
// be read again.
func ReadBody(res *http.Response) ([]byte, error) {
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	res.Body.Close()
	res.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// IsSuccess reports whether a response status is in the 2xx range. Only
// successful responses are ever written to the cache.
func IsSuccess(res *http.Response) bool {
	return res != nil && res.StatusCode >= 200 && res.StatusCode <= 299
}
