//go:build !windows

// Package service integrates the agent with the Windows Service Control
// Manager; on other platforms the agent always runs interactively.
package service

import "context"

const Name = "MeridianFleetAgent"

// Agent adapts the agent run loop to the SCM handler shape.
type Agent struct {
	Run func(ctx context.Context) error
}

// Interactive is always true off Windows.
func Interactive() bool { return true }

// Start is a no-op off Windows.
func Start(*Agent) error { return nil }
