/*
 * This file is part of the ecu-mate distribution (https://github.com/mlipscombe/ecu-mate).
 * Copyright (c) 2021-2024 Mark Lipscombe.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, version 3.
 *
 * This program is distributed in the hope that it will be useful, but
 * WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the GNU
 * General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program. If not, see <http://www.gnu.org/licenses/>.
 */

// Package executor runs the gateway's command line tools and decodes
// their JSON output.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrEmptyOutput is returned when a tool exits cleanly without printing anything.
var ErrEmptyOutput = errors.New("empty output")

// Result is the structured output of a tool invocation.
type Result map[string]interface{}

// Executor runs an external tool and returns its structured output.
type Executor interface {
	Execute(ctx context.Context, tool string, args ...string) (Result, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, tool string, args ...string) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, tool string, args ...string) (Result, error) {
	return f(ctx, tool, args...)
}

// Command executes tools as child processes. Each invocation is bounded by
// Timeout when it is non-zero.
type Command struct {
	Timeout time.Duration
}

func NewCommand(timeout time.Duration) *Command {
	return &Command{Timeout: timeout}
}

func (c *Command) Execute(ctx context.Context, tool string, args ...string) (Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debugf("exec %s %s", tool, strings.Join(args, " "))

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", tool, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", tool, err)
	}

	return ParseOutput(stdout.Bytes())
}

// ParseOutput decodes a tool's standard output. JSON objects are returned
// as-is; anything else is an error.
func ParseOutput(out []byte) (Result, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, ErrEmptyOutput
	}

	var result Result
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("decoding output: %w", err)
	}
	if result == nil {
		return nil, ErrEmptyOutput
	}
	return result, nil
}
