//go:build !windows

package healing

import (
	"context"

	pb "github.com/meridianmsp/fleet/internal/agentpb"
)

// Execute reports every command as unsupported; remediations need
// PowerShell and the Windows management surface.
func Execute(_ context.Context, cmd *pb.HealCommand) *Result {
	return &Result{
		CommandID: cmd.GetCommandId(),
		CheckType: cmd.GetCheckType(),
		Action:    cmd.GetAction(),
		Error:     "healing requires Windows",
	}
}
