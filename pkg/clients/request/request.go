// Package request wraps outbound HTTP with bounded retry and a structured
// terminal failure. All control-plane clients go through it.
package request

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
)

const maxDetailBytes = 240

// Policy bounds retries for transient failures: a fixed number of attempts
// with a fixed sleep between them.
type Policy struct {
	Attempts int
	Sleep    time.Duration
}

// Failure is the terminal error after the policy is exhausted.
type Failure struct {
	Method       string
	URL          string
	Attempts     int
	StatusCode   int
	ErrorType    string
	Detail       string
	ResponseText string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("request failed after %d attempts: %s %s (%s: %s)",
		f.Attempts, f.Method, f.URL, f.ErrorType, f.Detail)
}

// Spec describes one outbound request. Body and Form are mutually exclusive;
// Form sends application/x-www-form-urlencoded.
type Spec struct {
	Method string
	URL    string
	Header http.Header
	Query  url.Values
	Body   []byte
	Form   url.Values
}

// Do performs the request under the retry policy. Any transport error or
// non-2xx status is retried; the last failure is returned as a *Failure. The
// response body is fully read and returned.
func Do(ctx context.Context, client *http.Client, spec Spec, policy Policy) ([]byte, error) {
	failure := &Failure{
		Method:    spec.Method,
		URL:       spec.URL,
		Attempts:  policy.Attempts,
		ErrorType: "unknown",
		Detail:    "unknown error",
	}
	var body []byte
	err := retry.Do(
		func() error {
			var err error
			body, err = doOnce(ctx, client, spec, failure)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(policy.Attempts)),
		retry.Delay(policy.Sleep),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, failure
	}
	return body, nil
}

func doOnce(ctx context.Context, client *http.Client, spec Spec, failure *Failure) ([]byte, error) {
	target := spec.URL
	if len(spec.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + spec.Query.Encode()
	}
	var reader io.Reader
	if spec.Form != nil {
		reader = strings.NewReader(spec.Form.Encode())
	} else if spec.Body != nil {
		reader = bytes.NewReader(spec.Body)
	}
	req, err := http.NewRequestWithContext(ctx, spec.Method, target, reader)
	if err != nil {
		failure.ErrorType = "invalid_request"
		failure.Detail = err.Error()
		return nil, err
	}
	for k, vs := range spec.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if spec.Form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := client.Do(req)
	if err != nil {
		failure.ErrorType = "transport"
		failure.Detail = err.Error()
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		failure.ErrorType = "read_body"
		failure.Detail = err.Error()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		failure.ErrorType = "http_status"
		failure.StatusCode = resp.StatusCode
		failure.ResponseText = string(body)
		trimmed := strings.TrimSpace(string(body))
		if len(trimmed) > maxDetailBytes {
			trimmed = trimmed[:maxDetailBytes]
		}
		if trimmed != "" {
			failure.Detail = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, trimmed)
		} else {
			failure.Detail = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("%s", failure.Detail)
	}
	return body, nil
}

// StatusCode extracts the HTTP status from a request failure, or 0.
func StatusCode(err error) int {
	var f *Failure
	if errors.As(err, &f) {
		return f.StatusCode
	}
	return 0
}
