//go:build windows

// Package service integrates the agent with the Windows Service Control
// Manager so it survives logoff and starts at boot.
package service

import (
	"context"
	"log"
	"time"

	"golang.org/x/sys/windows/svc"
)

const Name = "MeridianFleetAgent"

const stopGrace = 15 * time.Second

// Agent adapts the agent run loop to svc.Handler.
type Agent struct {
	Run func(ctx context.Context) error
}

// Execute drives the SCM lifecycle: it starts the run loop, answers
// Interrogate, and cancels the loop on Stop or Shutdown.
func (a *Agent) Execute(args []string, requests <-chan svc.ChangeRequest, status chan<- svc.Status) (bool, uint32) {
	status <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	status <- svc.Status{State: svc.Running, Accepts: svc.AcceptStop | svc.AcceptShutdown}
	log.Println("[service] running under SCM")

	for {
		select {
		case req := <-requests:
			switch req.Cmd {
			case svc.Interrogate:
				status <- req.CurrentStatus
			case svc.Stop, svc.Shutdown:
				log.Printf("[service] SCM requested %v", req.Cmd)
				status <- svc.Status{State: svc.StopPending}
				cancel()
				select {
				case <-done:
				case <-time.After(stopGrace):
					log.Printf("[service] shutdown exceeded %v", stopGrace)
				}
				return false, 0
			}
		case err := <-done:
			if err != nil {
				log.Printf("[service] agent exited: %v", err)
				return false, 1
			}
			return false, 0
		}
	}
}

// Interactive reports whether the process runs in a user session rather
// than under the SCM.
func Interactive() bool {
	inService, err := svc.IsWindowsService()
	if err != nil {
		return true
	}
	return !inService
}

// Start hands control to the SCM dispatcher.
func Start(a *Agent) error {
	return svc.Run(Name, a)
}
