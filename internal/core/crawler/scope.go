package crawler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kabegame/kabegame/internal/util/log"
)

const maxDumpStringLen = 500

// sensitiveKeyFragments are matched case-insensitively against a variable
// name; any match redacts that variable's value in the dump (§4.7).
var sensitiveKeyFragments = []string{"token", "cookie", "auth", "password", "secret", "apikey"}

// ScopeVariable is one entry of a Dump.
type ScopeVariable struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Value     string `json:"value"`
	Redacted  bool   `json:"redacted"`
}

// Dump is the scope snapshot built when a script raises (§4.7): every
// variable injected via InjectVariables, with its goja-reported type id, a
// truncated string rendering, and a redaction flag for keys that look like
// credentials.
type Dump struct {
	TaskID    string          `json:"taskId"`
	PluginID  string          `json:"pluginId"`
	Error     string          `json:"error"`
	Variables []ScopeVariable `json:"variables"`
}

// Dump builds the scope snapshot described in §4.7. It never panics: a
// variable goja can no longer resolve (freed, or never set) is simply
// omitted.
func (r *Runtime) Dump(scriptErr error) Dump {
	d := Dump{TaskID: r.taskID, PluginID: r.pluginID}
	if scriptErr != nil {
		d.Error = scriptErr.Error()
	}
	for _, name := range r.varNames {
		v := r.vm.Get(name)
		if v == nil {
			continue
		}
		entry := ScopeVariable{Name: name, Type: v.ExportType().String()}
		if isSensitiveKey(name) {
			entry.Redacted = true
			entry.Value = "<redacted>"
		} else {
			entry.Value = truncate(fmt.Sprintf("%v", v.Export()), maxDumpStringLen)
		}
		d.Variables = append(d.Variables, entry)
	}
	return d
}

func isSensitiveKey(name string) bool {
	lower := strings.ToLower(name)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

// PersistDump best-effort writes d as JSON under dir (the task's images
// directory, per §4.7: "file-system writes are best-effort; catalog writes
// use the Storage port" — this repo's Storage port has no task-dump row, so
// the dump is file-only). Failures are logged, never returned, since a dump
// write must never itself fail the task a second time.
func PersistDump(dir string, d Dump) {
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("crawler: failed to create %s for scope dump: %v", dir, err)
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("crash-%s-%d.json", d.TaskID, time.Now().UnixMilli()))
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		log.Printf("crawler: failed to marshal scope dump: %v", err)
		return
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		log.Printf("crawler: failed to write scope dump to %s: %v", path, err)
	}
}
