// Package healing executes appliance-issued heal commands on the local
// machine. Remediations run through PowerShell and exist only on Windows;
// other platforms report every command as unsupported.
package healing

// Result is the local outcome of one heal command, reported back to the
// appliance via ReportHealing. Artifacts carry sensitive byproducts such
// as BitLocker recovery keys for escrow.
type Result struct {
	CommandID string
	CheckType string
	Action    string
	Success   bool
	Error     string
	Artifacts map[string]string
}
