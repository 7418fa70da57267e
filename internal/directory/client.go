// Package directory is the HTTP client for the identity directory and
// message relay. It implements both domain.Directory (device lists and
// key bundles) and domain.Transport (opaque envelope store-and-forward).
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"sealbox/internal/domain"
)

// Client talks to a sealboxdir server.
type Client struct {
	Base string
	HTTP *http.Client
}

func New(base string) *Client {
	return &Client{Base: base, HTTP: http.DefaultClient}
}

var (
	_ domain.Directory = (*Client)(nil)
	_ domain.Transport = (*Client)(nil)
)

func (c *Client) GetDeviceList(ctx context.Context, user domain.UserID) ([]domain.DeviceID, error) {
	var out []domain.DeviceID
	err := c.getJSON(ctx, "/v1/devices/"+url.PathEscape(string(user)), &out)
	return out, err
}

func (c *Client) PublishBundle(ctx context.Context, addr domain.Address, bundle domain.PreKeyBundle) error {
	return c.post(ctx, bundlePath(addr), bundle, nil)
}

func (c *Client) FetchBundle(ctx context.Context, addr domain.Address) (domain.PreKeyBundle, error) {
	var out domain.PreKeyBundle
	if err := c.getJSON(ctx, bundlePath(addr), &out); err != nil {
		return domain.PreKeyBundle{}, err
	}
	return out, nil
}

func (c *Client) ConsumeOneTimePreKey(ctx context.Context, addr domain.Address, id domain.OneTimePreKeyID) (bool, error) {
	var out struct {
		Claimed bool `json:"claimed"`
	}
	path := bundlePath(addr) + "/claim/" + strconv.FormatUint(uint64(id), 10)
	if err := c.post(ctx, path, nil, &out); err != nil {
		return false, err
	}
	return out.Claimed, nil
}

func (c *Client) Send(ctx context.Context, env domain.Envelope) error {
	return c.post(ctx, "/v1/envelope", env, nil)
}

func (c *Client) Receive(ctx context.Context, to domain.Address, limit int) ([]domain.Envelope, error) {
	path := envelopePath(to)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var envs []domain.Envelope
	if err := c.getJSON(ctx, path, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

func (c *Client) Ack(ctx context.Context, to domain.Address, count int) error {
	return c.post(ctx, envelopePath(to)+"/ack", struct {
		Count int `json:"count"`
	}{Count: count}, nil)
}

func bundlePath(addr domain.Address) string {
	return "/v1/bundle/" + url.PathEscape(string(addr.User)) + "/" + url.PathEscape(string(addr.Device))
}

func envelopePath(addr domain.Address) string {
	return "/v1/envelope/" + url.PathEscape(string(addr.User)) + "/" + url.PathEscape(string(addr.Device))
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	buf := new(bytes.Buffer)
	if in != nil {
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, path); err != nil {
		return err
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, path); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkStatus(resp *http.Response, path string) error {
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("directory %s: %w", path, domain.ErrNotFound)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("directory %s: %s", path, resp.Status)
	}
	return nil
}
