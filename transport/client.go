// Package transport talks to the remote sync service. The channel is
// opaque: a write caller cannot always distinguish "server received" from
// "server rejected", so writes have fire-and-forget semantics and reads
// return keyed row-set documents.
package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/scbc-app/fleetsync/internal"
)

var Version = ""

// Client is the remote sync transport used by the cache, queue and
// notification aggregator. One client is shared by every manager.
type Client interface {
	// ReadDocument fetches the document behind endpoint: a keyed collection
	// of named row-sets, first row of each set being a header.
	ReadDocument(ctx context.Context, endpoint string) (*Document, error)
	// WriteRecord submits one opaque payload. Callers that need a bounded
	// attempt pass a deadline context; the request aborts with it.
	WriteRecord(ctx context.Context, endpoint string, payload []byte) error
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	Client  *http.Client
	BaseURL string
}

func (c *HTTPClient) ReadDocument(ctx context.Context, endpoint string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/"+endpoint, nil)
	if err != nil {
		return nil, internal.NewDataError(internal.KindMalformed, "ReadDocument: NewRequest failed: %s", err)
	}
	req.Header.Set("User-Agent", "fleetsync-"+Version)
	res, err := c.Client.Do(req)
	if err != nil {
		return nil, internal.NewDataError(internal.KindNetwork, "ReadDocument: request failed: %s", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		return nil, internal.NewDataError(internal.KindNetwork, "ReadDocument: response returned %s", res.Status)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, internal.NewDataError(internal.KindNetwork, "ReadDocument: failed to read body: %s", err)
	}
	return ParseDocument(body)
}

func (c *HTTPClient) WriteRecord(ctx context.Context, endpoint string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return internal.NewDataError(internal.KindMalformed, "WriteRecord: NewRequest failed: %s", err)
	}
	req.Header.Set("User-Agent", "fleetsync-"+Version)
	req.Header.Set("Content-Type", "application/json")
	res, err := c.Client.Do(req)
	if err != nil {
		return internal.NewDataError(internal.KindNetwork, "WriteRecord: request failed: %s", err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	case res.StatusCode >= 500:
		// gateway timeouts and transient server errors look like a bad
		// connection to the caller and are retried on the next trigger
		return internal.NewDataError(internal.KindNetwork, "WriteRecord: response returned %s", res.Status)
	default:
		return internal.NewDataError(internal.KindMalformed, "WriteRecord: response returned %s", res.Status)
	}
}
