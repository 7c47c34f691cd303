package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/diwise/record-broker/pkg/errors"
	"github.com/diwise/record-broker/pkg/jsonapi"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// FetchFunc mirrors the contract of a standard HTTP fetch: it takes a
// prepared request and produces a response or a transport failure.
type FetchFunc func(req *http.Request) (*http.Response, error)

// FetchSettings configures the transport behavior of a request
// processor.
type FetchSettings struct {
	Timeout time.Duration
	Headers http.Header
}

// Details carries transport specific metadata callers can opt into
// with includeDetails.
type Details struct {
	StatusCode int
	Document   *jsonapi.Document
}

// RequestProcessor issues JSON:API requests and maps the response
// taxonomy onto the error types of the runtime.
type RequestProcessor struct {
	settings FetchSettings
	fetch    FetchFunc

	// preprocess, when set, is applied to every parsed response
	// document before it is handed back
	preprocess func(doc *jsonapi.Document, req *http.Request) error
}

type ProcessorOption func(*RequestProcessor)

func WithFetch(fetch FetchFunc) ProcessorOption {
	return func(p *RequestProcessor) {
		p.fetch = fetch
	}
}

func WithFetchSettings(settings FetchSettings) ProcessorOption {
	return func(p *RequestProcessor) {
		p.settings = settings
	}
}

func WithResponsePreprocessor(preprocess func(doc *jsonapi.Document, req *http.Request) error) ProcessorOption {
	return func(p *RequestProcessor) {
		p.preprocess = preprocess
	}
}

func NewRequestProcessor(options ...ProcessorOption) *RequestProcessor {
	p := &RequestProcessor{
		fetch: func(req *http.Request) (*http.Response, error) {
			client := http.Client{
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			}
			return client.Do(req)
		},
	}

	for _, option := range options {
		option(p)
	}

	return p
}

type fetchResult struct {
	resp *http.Response
	err  error
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// FetchDocument issues one request and maps the response: 2xx with a
// body parses into a document, 304 yields no document, 4xx raises a
// client error and 5xx a server error. A transport rejection or an
// elapsed timeout raises a network error.
func (p *RequestProcessor) FetchDocument(ctx context.Context, method, requestURL string, body []byte) (*jsonapi.Document, Details, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return nil, Details{}, fmt.Errorf("failed to create request: %s (%w)", err.Error(), errors.ErrNetwork)
	}

	req.Header.Set("Accept", jsonapi.MediaType)
	if body != nil {
		req.Header.Set("Content-Type", jsonapi.MediaType)
	}
	for header, values := range p.settings.Headers {
		for _, value := range values {
			req.Header.Add(header, value)
		}
	}

	resp, err := p.doFetch(req)
	if err != nil {
		return nil, Details{}, err
	}

	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Details{}, fmt.Errorf("failed to read response body: %s (%w)", err.Error(), errors.ErrNetwork)
	}

	details := Details{StatusCode: resp.StatusCode}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, details, nil

	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		if len(respBody) == 0 {
			return nil, details, nil
		}

		doc, err := jsonapi.NewDocumentFromJSON(respBody)
		if err != nil {
			return nil, details, err
		}

		if p.preprocess != nil {
			if err := p.preprocess(doc, req); err != nil {
				return nil, details, err
			}
		}

		details.Document = doc
		return doc, details, nil

	case resp.StatusCode >= 400 && resp.StatusCode <= 499:
		return nil, details, errors.NewClientError(resp.StatusCode, respBody)

	case resp.StatusCode >= 500:
		return nil, details, errors.NewServerError(resp.StatusCode, respBody)
	}

	return nil, details, fmt.Errorf("unexpected response code %d (%w)", resp.StatusCode, errors.ErrServer)
}

// doFetch runs the fetch function under the configured timeout. The
// timer guards the time to response headers; a stalled fetch is
// abandoned and reported as a network error.
func (p *RequestProcessor) doFetch(req *http.Request) (*http.Response, error) {
	if p.settings.Timeout <= 0 {
		resp, err := p.fetch(req)
		if err != nil {
			return nil, errors.NewNetworkError(err.Error())
		}
		return resp, nil
	}

	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	results := make(chan fetchResult, 1)
	go func() {
		resp, err := p.fetch(req)
		results <- fetchResult{resp: resp, err: err}
	}()

	timer := time.NewTimer(p.settings.Timeout)
	defer timer.Stop()

	select {
	case r := <-results:
		if r.err != nil {
			cancel()
			return nil, errors.NewNetworkError(r.err.Error())
		}
		// the context must stay alive until the body has been read
		r.resp.Body = &cancelOnClose{ReadCloser: r.resp.Body, cancel: cancel}
		return r.resp, nil

	case <-timer.C:
		cancel()
		go func() {
			// release the abandoned response once the fetch returns
			if r := <-results; r.resp != nil {
				r.resp.Body.Close()
			}
		}()
		return nil, errors.NewNetworkError(fmt.Sprintf("No fetch response within %dms.", p.settings.Timeout.Milliseconds()))
	}
}
