package daemon

// Embeds the runbook library into the binary. Each builtin L1 rule names a
// runbook ID from this file; the healing executor looks scripts up here at
// dispatch time. A bad entry disables that runbook, never the daemon.

import (
	_ "embed"
	"encoding/json"
	"log"
)

//go:embed runbooks.json
var runbooksJSON []byte

// runbookRegistry is the parsed runbook lookup table, keyed by runbook ID.
var runbookRegistry map[string]*runbookEntry

func init() {
	runbookRegistry = make(map[string]*runbookEntry)

	var raw map[string]*runbookEntry
	if err := json.Unmarshal(runbooksJSON, &raw); err != nil {
		log.Printf("[runbooks] Failed to parse embedded runbooks.json: %v", err)
		return
	}

	runbookRegistry = raw
	log.Printf("[runbooks] Loaded %d embedded runbooks", len(runbookRegistry))
}
