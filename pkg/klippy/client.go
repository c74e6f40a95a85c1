// Package klippy talks to the Klipper host process over its API unix
// socket. Messages are JSON objects terminated by an ETX (0x03) byte.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package klippy

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"klipper-go-flasher/pkg/config"
	"klipper-go-flasher/pkg/errors"
	"klipper-go-flasher/pkg/log"
)

const etx = 0x03

// Klippy states reported by the "info" endpoint
const (
	StateStartup  = "startup"
	StateReady    = "ready"
	StateError    = "error"
	StateShutdown = "shutdown"
)

// Client issues one request per connection to the Klippy API socket.
type Client struct {
	socketPath     string
	klipperPath    string
	requestTimeout time.Duration
	restartTimeout time.Duration
	pollInterval   time.Duration
	nextID         atomic.Uint64
	logger         *log.Logger
}

// APIError is an error response returned by Klippy itself.
type APIError struct {
	Method  string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("klippy %s: %s", e.Method, e.Message)
}

type request struct {
	ID     uint64         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

type response struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	} `json:"error"`
}

// New reads the [klippy] section.
func New(cfg *config.Config) (*Client, error) {
	sec := cfg.GetSectionOptional("klippy")
	sock, err := sec.GetPath("uds_address", "~/printer_data/comms/klippy.sock")
	if err != nil {
		return nil, err
	}
	kpath, err := sec.GetPath("klipper_path", "~/klipper")
	if err != nil {
		return nil, err
	}
	zero := 0.0
	reqTimeout, err := sec.GetFloatWithBounds("request_timeout", config.FloatBounds{Above: &zero}, 10)
	if err != nil {
		return nil, err
	}
	restartTimeout, err := sec.GetFloatWithBounds("restart_timeout", config.FloatBounds{Above: &zero}, 60)
	if err != nil {
		return nil, err
	}
	c := NewClient(sock)
	c.klipperPath = kpath
	c.requestTimeout = seconds(reqTimeout)
	c.restartTimeout = seconds(restartTimeout)
	return c, nil
}

// NewClient creates a client for the socket at path with default timeouts.
func NewClient(path string) *Client {
	return &Client{
		socketPath:     path,
		requestTimeout: 10 * time.Second,
		restartTimeout: 60 * time.Second,
		pollInterval:   500 * time.Millisecond,
		logger:         log.GetLogger("klippy"),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// KlipperPath returns the firmware source tree of the connected Klipper.
func (c *Client) KlipperPath() string {
	return c.klipperPath
}

// SocketPath returns the unix socket address.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Request sends method with params and decodes the result into out
// (which may be nil).
func (c *Client) Request(ctx context.Context, method string, params map[string]any, out any) error {
	if params == nil {
		params = map[string]any{}
	}
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	id := c.nextID.Add(1)
	data, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(data, etx)); err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}

	reader := bufio.NewReader(conn)
	for {
		frame, err := reader.ReadBytes(etx)
		if err != nil {
			return fmt.Errorf("read %s: %w", method, err)
		}
		var resp response
		if err := json.Unmarshal(frame[:len(frame)-1], &resp); err != nil {
			return fmt.Errorf("decode %s: %w", method, err)
		}
		// Skip unsolicited notifications
		if resp.ID == nil || *resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return &APIError{Method: method, Message: resp.Error.Message}
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		return json.Unmarshal(resp.Result, out)
	}
}

// isDisconnected reports dial failures meaning Klippy is not running.
func isDisconnected(err error) bool {
	var opErr *net.OpError
	if !stderrors.As(err, &opErr) || opErr.Op != "dial" {
		return false
	}
	return stderrors.Is(err, syscall.ENOENT) || stderrors.Is(err, syscall.ECONNREFUSED)
}

// State returns Klippy's state via the "info" endpoint.
func (c *Client) State(ctx context.Context) (string, error) {
	var info struct {
		State string `json:"state"`
	}
	if err := c.Request(ctx, "info", map[string]any{}, &info); err != nil {
		return "", err
	}
	return info.State, nil
}

// IsPrinting reports whether print_stats is in the "printing" state.
// A Klippy that is not running, or not ready, is not printing.
func (c *Client) IsPrinting(ctx context.Context) (bool, error) {
	var result struct {
		Status struct {
			PrintStats struct {
				State string `json:"state"`
			} `json:"print_stats"`
		} `json:"status"`
	}
	err := c.Request(ctx, "objects/query", map[string]any{
		"objects": map[string]any{"print_stats": []string{"state"}},
	}, &result)
	if err != nil {
		var apiErr *APIError
		if isDisconnected(err) || stderrors.As(err, &apiErr) {
			c.logger.Debug("Klippy unavailable, assuming idle: %v", err)
			return false, nil
		}
		return false, errors.KlippyError("objects/query", err)
	}
	return result.Status.PrintStats.State == "printing", nil
}

// RunGCode executes a gcode script.
func (c *Client) RunGCode(ctx context.Context, script string) error {
	if err := c.Request(ctx, "gcode/script", map[string]any{"script": script}, nil); err != nil {
		return errors.KlippyError("gcode/script", err)
	}
	return nil
}

// DoRestart issues a RESTART or FIRMWARE_RESTART. Klippy may have just
// been started, so this waits up to the restart timeout for its socket
// to accept requests and for it to leave the startup state.
func (c *Client) DoRestart(ctx context.Context, gc string) error {
	if gc != "RESTART" && gc != "FIRMWARE_RESTART" {
		return errors.KlippyError("gcode/script", fmt.Errorf("invalid restart command '%s'", gc))
	}
	ctx, cancel := context.WithTimeout(ctx, c.restartTimeout)
	defer cancel()

	for {
		state, err := c.State(ctx)
		if err == nil && state != StateStartup {
			break
		}
		if err != nil && !isDisconnected(err) {
			return errors.KlippyError("info", err)
		}
		select {
		case <-ctx.Done():
			if err == nil {
				err = fmt.Errorf("klippy still in %s state", state)
			}
			return errors.KlippyError("info", fmt.Errorf("timed out waiting for klippy: %w", err))
		case <-time.After(c.pollInterval):
		}
	}

	c.logger.Info("Requesting %s", gc)
	err := c.RunGCode(ctx, gc)
	// Klippy may drop the connection while restarting instead of replying.
	if err == nil || stderrors.Is(err, io.EOF) || stderrors.Is(err, syscall.ECONNRESET) {
		return nil
	}
	return err
}
