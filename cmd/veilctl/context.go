package main

import (
	"fmt"
	"os"
	"strings"

	"veilrpc"
	"veilrpc/internal/logging"
)

type commandContext struct {
	connectFlag *string
	verboseFlag *bool
}

func newCommandContext(connectFlag *string, verboseFlag *bool) *commandContext {
	return &commandContext{
		connectFlag: connectFlag,
		verboseFlag: verboseFlag,
	}
}

func (c *commandContext) descriptor() string {
	if c.connectFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.connectFlag)
}

func (c *commandContext) withConn(fn func(*veilrpc.Conn) error) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}

func (c *commandContext) dial() (*veilrpc.Conn, error) {
	level := "warn"
	if c.verboseFlag != nil && *c.verboseFlag {
		level = "debug"
	}
	log, err := logging.New(logging.Options{Level: level, Format: "text", Output: os.Stderr})
	if err != nil {
		return nil, err
	}

	conn, err := veilrpc.Connect(c.descriptor(), veilrpc.WithLogger(log))
	if err != nil {
		return nil, wrapDialError(err, c.descriptor())
	}
	return conn, nil
}

func wrapDialError(err error, descriptor string) error {
	if descriptor == "" {
		descriptor = "the default descriptor"
	}
	switch veilrpc.StatusOf(err) {
	case veilrpc.StatusTransport:
		return fmt.Errorf("connect to daemon via %s: %w; verify the daemon is running", descriptor, err)
	case veilrpc.StatusNotAuthorized:
		return fmt.Errorf("connect to daemon via %s: %w; check the cookie in the connect file", descriptor, err)
	default:
		return fmt.Errorf("connect to daemon: %w", err)
	}
}
