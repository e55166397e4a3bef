package jupyter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"pkt.systems/nbsync/core"
	"pkt.systems/nbsync/internal/version"
)

// ErrKernelGone reports that the gateway no longer knows the kernel.
var ErrKernelGone = errors.New("kernel not found on gateway")

type restClient struct {
	http  *http.Client
	base  *url.URL
	token string
}

// parseGateway validates a gateway URI such as http://host:8888 or
// https://host/prefix.
func parseGateway(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("gateway uri is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse gateway uri: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported gateway scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("gateway uri has no host")
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func (r restClient) endpoint(parts ...string) string {
	u := *r.base
	u.Path = r.base.Path + "/" + strings.Join(parts, "/")
	return u.String()
}

// channelsURL returns the websocket URL of a kernel's channels.
func (r restClient) channelsURL(kernelID, session string) string {
	u := *r.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = r.base.Path + "/api/kernels/" + url.PathEscape(kernelID) + "/channels"
	u.RawQuery = url.Values{"session_id": []string{session}}.Encode()
	return u.String()
}

func (r restClient) header() http.Header {
	h := http.Header{}
	h.Set("User-Agent", version.UserAgent())
	if r.token != "" {
		h.Set("Authorization", "token "+r.token)
	}
	return h
}

func (r restClient) do(ctx context.Context, op, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return core.NewRemoteError(core.RemoteErrorProtocol, op, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return core.NewRemoteError(core.RemoteErrorProtocol, op, err)
	}
	req.Header = r.header()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return classifyTransport(ctx, op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return statusError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.NewRemoteError(core.RemoteErrorProtocol, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func classifyTransport(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return core.NewRemoteError(core.RemoteErrorCanceled, op, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return core.NewRemoteError(core.RemoteErrorTimeout, op, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.NewRemoteError(core.RemoteErrorTimeout, op, err)
	}
	return core.NewRemoteError(core.RemoteErrorUnavailable, op, err)
}

func statusError(op string, resp *http.Response) error {
	var body struct {
		Message string `json:"message"`
		Reason  string `json:"reason"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &body)
	message := strings.TrimSpace(body.Message)
	if message == "" {
		message = strings.TrimSpace(body.Reason)
	}
	cause := fmt.Errorf("gateway returned %s", resp.Status)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &core.RemoteError{Kind: core.RemoteErrorUnauthorized, Op: op, Err: cause}
	case http.StatusNotFound:
		return &core.RemoteError{Kind: core.RemoteErrorRejected, Op: op, Message: message, Err: ErrKernelGone}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return &core.RemoteError{Kind: core.RemoteErrorTimeout, Op: op, Err: cause}
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return &core.RemoteError{Kind: core.RemoteErrorUnavailable, Op: op, Err: cause}
	}
	return &core.RemoteError{Kind: core.RemoteErrorRejected, Op: op, Message: message, Err: cause}
}
