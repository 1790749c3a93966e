// Package httpdriver implements the Device Manager's HTTP/REST-style driver:
// property reads are GETs, writes are PUTs, actions are POSTs, all against a
// per-device base URL, using a keep-alive connection pool the way the
// teacher's service clients configure theirs.
package httpdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lithium-project/lithium/internal/configstore"
	"github.com/lithium-project/lithium/internal/devices"
	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

// Driver speaks REST: GET /properties/{name}, PUT /properties/{name},
// POST /actions/{action}, and GET /events polled every 2s, against a base URL.
type Driver struct {
	client *http.Client
}

// New builds a driver with a pooled, keep-alive client. requestTimeout
// bounds every call made through that client, including Subscribe's
// periodic /events polls, which also carry their own 5s deadline.
func New(requestTimeout time.Duration) *Driver {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	return &Driver{
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (d *Driver) Name() string { return "http-rest" }

func normalizeBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

func (d *Driver) Probe(ctx context.Context, address string) (*devices.Descriptor, error) {
	base := normalizeBaseURL(address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/identify", nil)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.InvalidArgument, "build probe request", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, nil // unreachable host is "not found"
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}
	var body struct {
		Vendor string `json:"vendor"`
		Model  string `json:"model"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return &devices.Descriptor{Address: base, Vendor: body.Vendor, Model: body.Model}, nil
}

// session is a REST device's session handle: the protocol is stateless, so
// opening one amounts to recording the base URL.
type session struct {
	baseURL string
}

func (d *Driver) Open(ctx context.Context, desc devices.Descriptor) (devices.SessionHandle, error) {
	return &session{baseURL: normalizeBaseURL(desc.Address)}, nil
}

func (d *Driver) Close(ctx context.Context, sess devices.SessionHandle) error {
	return nil
}

func (d *Driver) do(ctx context.Context, method, url string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, lerrors.Wrap(lerrors.InvalidArgument, "encode request body", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.InvalidArgument, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.Transport, "http request failed", err)
	}
	return resp, nil
}

func (d *Driver) GetProperty(ctx context.Context, sess devices.SessionHandle, name string) (configstore.Value, error) {
	s := sess.(*session)
	resp, err := d.do(ctx, http.MethodGet, fmt.Sprintf("%s/properties/%s", s.baseURL, name), nil)
	if err != nil {
		return configstore.Value{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return configstore.Value{}, lerrors.New(lerrors.NotFound, "property does not exist").With("property", name)
	}
	if resp.StatusCode != http.StatusOK {
		return configstore.Value{}, classifyStatus(resp.StatusCode)
	}
	var payload struct {
		Value any `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return configstore.Value{}, lerrors.Wrap(lerrors.Internal, "decode property response", err)
	}
	return toValue(payload.Value), nil
}

func (d *Driver) SetProperty(ctx context.Context, sess devices.SessionHandle, name string, value configstore.Value) error {
	s := sess.(*session)
	resp, err := d.do(ctx, http.MethodPut, fmt.Sprintf("%s/properties/%s", s.baseURL, name), map[string]any{"value": fromValue(value)})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusMethodNotAllowed, http.StatusForbidden:
		return lerrors.New(lerrors.NotSupported, "property is not writable").With("property", name)
	default:
		return classifyStatus(resp.StatusCode)
	}
}

func (d *Driver) Invoke(ctx context.Context, sess devices.SessionHandle, action string, args any) (any, error) {
	s := sess.(*session)
	resp, err := d.do(ctx, http.MethodPost, fmt.Sprintf("%s/actions/%s", s.baseURL, action), args)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode)
	}
	var payload struct {
		Result any `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, lerrors.Wrap(lerrors.Internal, "decode action response", err)
	}
	return payload.Result, nil
}

// Subscribe polls GET /events?pattern=... on a short interval. REST has no
// native push; this is the driver-appropriate approximation of the
// abstraction's event stream requirement.
func (d *Driver) Subscribe(ctx context.Context, sess devices.SessionHandle, pattern string) (<-chan devices.PropertyEvent, func(), error) {
	s := sess.(*session)
	ch := make(chan devices.PropertyEvent, 32)
	stop := make(chan struct{})

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				close(ch)
				return
			case <-ticker.C:
				d.pollOnce(s, pattern, ch)
			}
		}
	}()

	var once sync.Once
	cancel := func() { once.Do(func() { close(stop) }) }
	return ch, cancel, nil
}

func (d *Driver) pollOnce(s *session, pattern string, ch chan<- devices.PropertyEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := d.do(ctx, http.MethodGet, fmt.Sprintf("%s/events?pattern=%s", s.baseURL, pattern), nil)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}
	var events []struct {
		Name  string `json:"name"`
		Value any    `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return
	}
	for _, e := range events {
		select {
		case ch <- devices.PropertyEvent{Name: e.Name, Value: toValue(e.Value)}:
		default:
		}
	}
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusRequestTimeout:
		return lerrors.New(lerrors.Timeout, "device request timed out")
	case status >= 500:
		return lerrors.Newf(lerrors.Transport, "device returned status %d", status)
	default:
		return lerrors.Newf(lerrors.Internal, "device returned status %d", status)
	}
}

func toValue(v any) configstore.Value {
	switch t := v.(type) {
	case nil:
		return configstore.Null()
	case bool:
		return configstore.Bool(t)
	case string:
		return configstore.String(t)
	case float64:
		if t == float64(int64(t)) {
			return configstore.Int(int64(t))
		}
		return configstore.Float(t)
	default:
		return configstore.Null()
	}
}

func fromValue(v configstore.Value) any {
	switch v.Kind() {
	case configstore.KindBool:
		b, _ := v.AsBool()
		return b
	case configstore.KindInt:
		i, _ := v.AsInt()
		return i
	case configstore.KindFloat:
		f, _ := v.AsFloat()
		return f
	case configstore.KindString:
		s, _ := v.AsString()
		return s
	default:
		return nil
	}
}
