package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hearthwire/hearth-core/internal/infrastructure/config"
)

var (
	// ErrHubUnavailable indicates the hub could not be reached or
	// answered with a server error.
	ErrHubUnavailable = errors.New("hub: unavailable")

	// ErrDeviceNotFound indicates the hub does not know the device id.
	ErrDeviceNotFound = errors.New("hub: device not found")
)

// Value is a device attribute value as reported by the hub:
// string, float64, or bool.
type Value = any

// Device describes a hub device with its current attribute values.
type Device struct {
	ID         string           `json:"id"`
	Label      string           `json:"label"`
	Type       string           `json:"type"`
	Attributes map[string]Value `json:"attributes"`
	Commands   []string         `json:"commands"`
}

// Logger is the minimal logging interface used by the hub client.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Client talks to a Maker-API style hub endpoint over HTTP.
//
// All reads and commands go through the hub's application instance,
// addressed as {base}/apps/api/{appID}/devices/... with the access
// token as a query parameter.
type Client struct {
	base   string
	appID  string
	token  string
	http   *http.Client
	logger Logger
}

// NewClient creates a hub client from configuration.
func NewClient(cfg config.HubConfig) *Client {
	return &Client{
		base:   strings.TrimRight(cfg.Address, "/"),
		appID:  cfg.AppID,
		token:  cfg.AccessToken,
		http:   &http.Client{Timeout: cfg.Timeout()},
		logger: noopLogger{},
	}
}

// SetLogger sets the logger. Must be called before the first request.
func (c *Client) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// deviceDetail is the hub's wire format for a device.
type deviceDetail struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Type       string `json:"type"`
	Attributes []struct {
		Name         string `json:"name"`
		CurrentValue Value  `json:"currentValue"`
	} `json:"attributes"`
	Commands []struct {
		Command string `json:"command"`
	} `json:"commands"`
}

func (d deviceDetail) toDevice() *Device {
	dev := &Device{
		ID:         d.ID,
		Label:      d.Label,
		Type:       d.Type,
		Attributes: make(map[string]Value, len(d.Attributes)),
	}
	for _, a := range d.Attributes {
		dev.Attributes[a.Name] = a.CurrentValue
	}
	for _, cmd := range d.Commands {
		dev.Commands = append(dev.Commands, cmd.Command)
	}
	return dev
}

// Device fetches a device's details and current attribute values.
func (c *Client) Device(ctx context.Context, deviceID string) (*Device, error) {
	var detail deviceDetail
	if err := c.get(ctx, fmt.Sprintf("/devices/%s", url.PathEscape(deviceID)), &detail); err != nil {
		return nil, err
	}
	return detail.toDevice(), nil
}

// Attributes fetches the current attribute values of one device.
func (c *Client) Attributes(ctx context.Context, deviceID string) (map[string]Value, error) {
	dev, err := c.Device(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return dev.Attributes, nil
}

// BulkAttributes fetches current attribute values for several devices
// in one round trip using the hub's all-devices endpoint.
//
// Devices the hub does not report are absent from the result; the
// caller decides whether that is an error.
func (c *Client) BulkAttributes(ctx context.Context, deviceIDs []string) (map[string]map[string]Value, error) {
	var details []deviceDetail
	if err := c.get(ctx, "/devices/all", &details); err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		wanted[id] = true
	}

	result := make(map[string]map[string]Value, len(deviceIDs))
	for _, d := range details {
		if wanted[d.ID] {
			result[d.ID] = d.toDevice().Attributes
		}
	}
	return result, nil
}

// SendCommand issues a device command, e.g. SendCommand(ctx, "12", "setLevel", "80").
func (c *Client) SendCommand(ctx context.Context, deviceID, command string, args ...string) error {
	path := fmt.Sprintf("/devices/%s/%s", url.PathEscape(deviceID), url.PathEscape(command))
	if len(args) > 0 {
		escaped := make([]string, len(args))
		for i, a := range args {
			escaped[i] = url.PathEscape(a)
		}
		path += "/" + strings.Join(escaped, ",")
	}

	c.logger.Debug("sending device command", "device_id", deviceID, "command", command)
	return c.get(ctx, path, nil)
}

// get performs a GET against the Maker API and decodes the JSON body
// into out when out is non-nil.
func (c *Client) get(ctx context.Context, path string, out any) error {
	u := fmt.Sprintf("%s/apps/api/%s%s?access_token=%s",
		c.base, url.PathEscape(c.appID), path, url.QueryEscape(c.token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building hub request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHubUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrDeviceNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: hub returned %d", ErrHubUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("hub request failed: %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding hub response: %w", err)
	}
	return nil
}
