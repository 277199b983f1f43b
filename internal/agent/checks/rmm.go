package checks

import (
	"context"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/meridianmsp/fleet/internal/agent/wmi"
)

// RMMProduct is one detected remote-management agent.
type RMMProduct struct {
	Name     string
	Running  bool
	DetectBy string // "service", "process" or "path"
}

type rmmSignature struct {
	service string
	process string
	paths   []string
}

// rmmSignatures lists the remote-management products the probe looks for.
var rmmSignatures = map[string]rmmSignature{
	"Datto RMM": {
		service: "CagService",
		process: "AEMAgent.exe",
		paths:   []string{`C:\Program Files (x86)\CentraStage`, `C:\Program Files\CentraStage`},
	},
	"ConnectWise Automate": {
		service: "LTService",
		process: "LTSvc.exe",
		paths:   []string{`C:\Windows\LTSvc`},
	},
	"ConnectWise Control": {
		service: "ScreenConnect Client",
		process: "ScreenConnect.ClientService.exe",
		paths:   []string{`C:\Program Files (x86)\ScreenConnect Client`},
	},
	"NinjaRMM": {
		service: "NinjaRMMAgent",
		process: "NinjaRMMAgent.exe",
		paths:   []string{`C:\ProgramData\NinjaRMMAgent`},
	},
	"Kaseya VSA": {
		service: "Kaseya Agent",
		process: "AgentMon.exe",
		paths:   []string{`C:\Program Files (x86)\Kaseya`},
	},
	"Syncro": {
		service: "Syncro",
		process: "syncro.exe",
		paths:   []string{`C:\ProgramData\Syncro`},
	},
	"Atera": {
		service: "AteraAgent",
		process: "AteraAgent.exe",
		paths:   []string{`C:\Program Files\ATERA Networks`},
	},
	"N-able N-central": {
		service: "Windows Agent Maintenance Service",
		process: "agent_maintenance.exe",
		paths:   []string{`C:\Program Files (x86)\N-able Technologies`},
	},
	"Pulseway": {
		service: "Pulseway",
		process: "PCMonitorSrv.exe",
		paths:   []string{`C:\Program Files (x86)\MMSOFT Design\PC Monitor`},
	},
	"TeamViewer": {
		service: "TeamViewer",
		process: "TeamViewer_Service.exe",
		paths:   []string{`C:\Program Files\TeamViewer`, `C:\Program Files (x86)\TeamViewer`},
	},
}

// CheckRMM inventories third-party remote-management agents on the
// machine. Informational only: the probe always passes and carries its
// findings in the detail map.
func CheckRMM(ctx context.Context, _ Settings) Result {
	r := Result{
		Type:     "rmm_detection",
		Passed:   true,
		Expected: "RMM inventory complete",
		Detail:   make(map[string]string),
	}

	products := DetectRMM(ctx, r.Detail)
	r.Detail["rmm_count"] = strconv.Itoa(len(products))

	if len(products) == 0 {
		r.Actual = "no RMM agents detected"
		return r
	}
	names := make([]string, len(products))
	for i, p := range products {
		names[i] = p.Name
	}
	r.Actual = "detected: " + strings.Join(names, ", ")
	return r
}

// DetectRMM returns the remote-management products found on the machine,
// sorted by name. When detail is non-nil, per-product detection methods
// and query errors are recorded into it.
func DetectRMM(ctx context.Context, detail map[string]string) []RMMProduct {
	services, err := runningNames(ctx, "SELECT Name FROM Win32_Service WHERE State = 'Running'")
	if err != nil && detail != nil {
		detail["service_query_error"] = err.Error()
	}
	processes, err := runningNames(ctx, "SELECT Name FROM Win32_Process")
	if err != nil && detail != nil {
		detail["process_query_error"] = err.Error()
	}

	var found []RMMProduct
	for name, sig := range rmmSignatures {
		method := ""
		switch {
		case services[strings.ToLower(sig.service)]:
			method = "service"
		case processes[strings.ToLower(sig.process)]:
			method = "process"
		default:
			for _, p := range sig.paths {
				if _, err := os.Stat(p); err == nil {
					method = "path"
					break
				}
			}
		}
		if method == "" {
			continue
		}
		found = append(found, RMMProduct{
			Name:     name,
			Running:  method != "path",
			DetectBy: method,
		})
		if detail != nil {
			detail["rmm_"+detailKey(name)] = method
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found
}

func runningNames(ctx context.Context, wql string) (map[string]bool, error) {
	objs, err := wmi.Query(ctx, `root\CIMV2`, wql)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(objs))
	for _, obj := range objs {
		if name, ok := obj.String("Name"); ok {
			names[strings.ToLower(name)] = true
		}
	}
	return names, nil
}

func detailKey(name string) string {
	k := strings.ToLower(name)
	k = strings.ReplaceAll(k, " ", "_")
	return strings.ReplaceAll(k, "-", "_")
}
