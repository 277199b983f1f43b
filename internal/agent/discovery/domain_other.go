//go:build !windows

package discovery

import "context"

// MachineDomain returns empty; AD domain membership is a Windows concept.
func MachineDomain(context.Context) string {
	return ""
}
