// Package winrm implements a WinRM executor for running PowerShell scripts
// on Windows targets. It handles session caching, the cmd.exe 8191 character
// limit via temp file chunking, NTLM auth, and linear retry with an error
// kind taxonomy shared with the SSH executor.
package winrm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	gowinrm "github.com/masterzen/winrm"
)

// Error kinds reported on ExecutionResult. The vocabulary is shared with
// the sshexec package; only connection and timeout failures are retried.
const (
	KindConnection = "connection"
	KindAuth       = "auth"
	KindTimeout    = "timeout"
	KindRemoteExit = "remote-exit-nonzero"
	KindParse      = "parse"
)

// Target describes a Windows machine to execute scripts on.
type Target struct {
	Hostname  string `json:"hostname"`
	Port      int    `json:"port"`
	Username  string `json:"username"` // DOMAIN\user format
	Password  string `json:"password"`
	UseSSL    bool   `json:"use_ssl"`
	VerifySSL bool   `json:"verify_ssl"`
	IPAddress string `json:"ip_address,omitempty"`
}

// ExecutionResult is the result of a script execution.
type ExecutionResult struct {
	Success       bool                   `json:"success"`
	RunbookID     string                 `json:"runbook_id"`
	Target        string                 `json:"target"`
	Phase         string                 `json:"phase"`
	Output        map[string]interface{} `json:"output"`
	DurationSecs  float64                `json:"duration_seconds"`
	Error         string                 `json:"error,omitempty"`
	ErrorKind     string                 `json:"error_kind,omitempty"`
	Timestamp     string                 `json:"timestamp"`
	OutputHash    string                 `json:"output_hash"`
	RetryCount    int                    `json:"retry_count"`
	HIPAAControls []string               `json:"hipaa_controls,omitempty"`
	ExitCode      int                    `json:"exit_code"`
}

// cachedSession holds a WinRM client with its creation time.
type cachedSession struct {
	client    *gowinrm.Client
	createdAt time.Time
}

const (
	sessionMaxAge     = 300 * time.Second
	inlineScriptLimit = 2048 // Bytes before switching to temp file mode
	chunkSize         = 6000 // Base64 chunk size for cmd.exe echo safety
	defaultTimeout    = 300  // seconds
)

// Executor manages WinRM sessions and script execution.
type Executor struct {
	sessions map[string]*cachedSession
	mu       sync.Mutex
}

// NewExecutor creates a new WinRM executor.
func NewExecutor() *Executor {
	return &Executor{
		sessions: make(map[string]*cachedSession),
	}
}

// Execute runs a PowerShell script on a Windows target. Retries use a
// linear delay (retryDelay x attempt); auth failures never retry. A
// completed script with non-zero exit is not an executor failure and is
// not retried either; it comes back success=false, kind remote-exit-nonzero.
func (e *Executor) Execute(ctx context.Context, target *Target, script, runbookID, phase string, timeout int, retries int, retryDelay float64, hipaaControls []string) *ExecutionResult {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if retryDelay <= 0 {
		retryDelay = 30.0
	}

	start := time.Now().UTC()
	var lastErr, lastKind string
	retryCount := 0

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(retryDelay*float64(attempt)) * time.Second
			log.Printf("[winrm] Retry %d/%d for %s after %.0fs delay", attempt, retries, target.Hostname, delay.Seconds())
			select {
			case <-ctx.Done():
				return e.failResult(target, runbookID, phase, "context cancelled", KindConnection, start, retryCount, hipaaControls)
			case <-time.After(delay):
			}
			retryCount++
		}

		output, exitCode, err := e.executeOnce(ctx, target, script, timeout)
		if err != nil {
			lastKind = classifyError(err)
			lastErr = err.Error()
			log.Printf("[winrm] Execution failed on %s (%s): %v", target.Hostname, lastKind, err)
			e.Invalidate(target)
			if lastKind == KindAuth {
				lastErr = "auth failure: " + lastErr
				break
			}
			continue
		}

		kind := ""
		if exitCode != 0 {
			kind = KindRemoteExit
		}
		elapsed := time.Since(start).Seconds()
		return &ExecutionResult{
			Success:       exitCode == 0,
			RunbookID:     runbookID,
			Target:        target.Hostname,
			Phase:         phase,
			Output:        output,
			DurationSecs:  elapsed,
			ErrorKind:     kind,
			Timestamp:     start.Format(time.RFC3339),
			OutputHash:    hashOutput(output),
			RetryCount:    retryCount,
			HIPAAControls: hipaaControls,
			ExitCode:      exitCode,
		}
	}

	return e.failResult(target, runbookID, phase, lastErr, lastKind, start, retryCount, hipaaControls)
}

func (e *Executor) failResult(target *Target, runbookID, phase, errMsg, kind string, start time.Time, retryCount int, hipaaControls []string) *ExecutionResult {
	return &ExecutionResult{
		Success:       false,
		RunbookID:     runbookID,
		Target:        target.Hostname,
		Phase:         phase,
		Output:        map[string]interface{}{"success": false, "stdout": "", "stderr": errMsg, "exit_code": -1},
		DurationSecs:  time.Since(start).Seconds(),
		Error:         errMsg,
		ErrorKind:     kind,
		Timestamp:     start.Format(time.RFC3339),
		OutputHash:    "",
		RetryCount:    retryCount,
		HIPAAControls: hipaaControls,
		ExitCode:      -1,
	}
}

// executeOnce runs a script, choosing inline or temp file mode based on length.
func (e *Executor) executeOnce(ctx context.Context, target *Target, script string, timeout int) (map[string]interface{}, int, error) {
	client, err := e.getSession(target)
	if err != nil {
		return nil, -1, fmt.Errorf("get session: %w", err)
	}

	var stdout, stderr string
	var exitCode int

	if len(script) > inlineScriptLimit {
		stdout, stderr, exitCode, err = e.executeViaTempFile(ctx, client, script, timeout)
	} else {
		stdout, stderr, exitCode, err = e.executeInline(ctx, client, script, timeout)
	}

	if err != nil {
		return nil, -1, err
	}

	output := map[string]interface{}{
		"stdout":    stdout,
		"stderr":    stderr,
		"exit_code": exitCode,
		"success":   exitCode == 0,
	}

	// Try to parse JSON output
	if stdout != "" {
		var parsed interface{}
		if json.Unmarshal([]byte(stdout), &parsed) == nil {
			output["parsed"] = parsed
		}
	}

	return output, exitCode, nil
}

// executeInline runs a short PowerShell script directly.
func (e *Executor) executeInline(ctx context.Context, client *gowinrm.Client, script string, timeout int) (string, string, int, error) {
	shell, err := client.CreateShell()
	if err != nil {
		return "", "", -1, fmt.Errorf("create shell: %w", err)
	}
	defer shell.Close()

	encoded := encodePowerShell(script)
	return runShellCommand(ctx, shell, timeout, "powershell.exe", "-NoProfile", "-NonInteractive", "-EncodedCommand", encoded)
}

// executeViaTempFile handles the cmd.exe 8191 character limit by writing
// the script to a temp file via chunked base64 echo commands.
func (e *Executor) executeViaTempFile(ctx context.Context, client *gowinrm.Client, script string, timeout int) (string, string, int, error) {
	scriptHash := fmt.Sprintf("%x", sha256.Sum256([]byte(script)))[:8]
	tempB64 := fmt.Sprintf(`C:\Windows\Temp\msp_%s.b64`, scriptHash)
	tempPS1 := fmt.Sprintf(`C:\Windows\Temp\msp_%s.ps1`, scriptHash)

	encoded := base64.StdEncoding.EncodeToString([]byte(script))
	chunks := splitString(encoded, chunkSize)

	shell, err := client.CreateShell()
	if err != nil {
		return "", "", -1, fmt.Errorf("create shell: %w", err)
	}
	defer shell.Close()

	// Write chunks to temp file
	for i, chunk := range chunks {
		op := ">"
		if i > 0 {
			op = ">>"
		}
		cmdStr := fmt.Sprintf(`echo %s%s"%s"`, chunk, op, tempB64)
		_, _, exitCode, err := runShellCommand(ctx, shell, 60, "cmd.exe", "/c", cmdStr)
		if err != nil {
			return "", "", -1, fmt.Errorf("write chunk %d: %w", i, err)
		}
		if exitCode != 0 {
			return "", "", -1, fmt.Errorf("write chunk %d failed: exit %d", i, exitCode)
		}
	}

	// Decode base64, write PS1, execute, cleanup
	decodeAndRun := fmt.Sprintf(
		`$r=(Get-Content '%s' -Raw) -replace '\s',''; `+
			`$b=[Convert]::FromBase64String($r); `+
			`[IO.File]::WriteAllText('%s',[Text.Encoding]::UTF8.GetString($b)); `+
			`Remove-Item '%s' -Force -EA SilentlyContinue; `+
			`try { & '%s' } finally { Remove-Item '%s' -Force -EA SilentlyContinue }`,
		tempB64, tempPS1, tempB64, tempPS1, tempPS1,
	)

	encodedCmd := encodePowerShell(decodeAndRun)
	return runShellCommand(ctx, shell, timeout, "powershell.exe", "-NoProfile", "-NonInteractive", "-EncodedCommand", encodedCmd)
}

// runShellCommand executes one command in an open shell with a wall-clock
// timeout. On timeout the command is closed, which tears down the remote
// process, and the caller's session gets invalidated by the retry loop.
func runShellCommand(ctx context.Context, shell *gowinrm.Shell, timeout int, name string, args ...string) (string, string, int, error) {
	cmd, err := shell.Execute(name, args...)
	if err != nil {
		return "", "", -1, fmt.Errorf("execute: %w", err)
	}
	defer cmd.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(&stdoutBuf, cmd.Stdout) }()
	go func() { defer wg.Done(); io.Copy(&stderrBuf, cmd.Stderr) }()

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		cmd.Close()
		return "", "", -1, fmt.Errorf("context cancelled")
	case <-time.After(time.Duration(timeout) * time.Second):
		cmd.Close()
		return "", "", -1, fmt.Errorf("execution timed out after %ds", timeout)
	case <-done:
	}

	stdout := strings.TrimSpace(stdoutBuf.String())
	stderr := strings.TrimSpace(stderrBuf.String())
	return stdout, stderr, cmd.ExitCode(), nil
}

// getSession returns a cached or new WinRM session. Sessions are keyed by
// host:port:user so credential rotation or a second listener never reuses
// a stale client.
func (e *Executor) getSession(target *Target) (*gowinrm.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := sessionKey(target)
	if cached, ok := e.sessions[key]; ok {
		if time.Since(cached.createdAt) < sessionMaxAge {
			return cached.client, nil
		}
		log.Printf("[winrm] Session expired for %s, refreshing", target.Hostname)
		delete(e.sessions, key)
	}

	port := resolvePort(target)
	endpoint := gowinrm.NewEndpoint(target.Hostname, port, target.UseSSL, !target.VerifySSL, nil, nil, nil, 120*time.Second)

	// NTLM auth (required for domain environments; Basic is rarely enabled)
	params := gowinrm.NewParameters("PT120S", "en-US", 153600)
	params.TransportDecorator = func() gowinrm.Transporter { return &gowinrm.ClientNTLM{} }

	client, err := gowinrm.NewClientWithParameters(endpoint, target.Username, target.Password, params)
	if err != nil {
		return nil, fmt.Errorf("create WinRM client for %s: %w", target.Hostname, err)
	}

	e.sessions[key] = &cachedSession{
		client:    client,
		createdAt: time.Now(),
	}

	log.Printf("[winrm] New session for %s:%d (ssl=%v)", target.Hostname, port, target.UseSSL)
	return client, nil
}

// Invalidate removes the cached session for a target.
func (e *Executor) Invalidate(target *Target) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.sessions, sessionKey(target))
	log.Printf("[winrm] Invalidated session for %s", target.Hostname)
}

// SessionCount returns the number of cached sessions.
func (e *Executor) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// --- Helpers ---

func sessionKey(target *Target) string {
	return fmt.Sprintf("%s:%d:%s", target.Hostname, resolvePort(target), target.Username)
}

func resolvePort(target *Target) int {
	if target.Port != 0 {
		return target.Port
	}
	if target.UseSSL {
		return 5986
	}
	return 5985
}

// classifyError maps a transport error onto the shared kind taxonomy.
// NTLM rejections surface as HTTP 401 from the WinRM endpoint.
func classifyError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "access is denied") || strings.Contains(msg, "access denied"):
		return KindAuth
	default:
		return KindConnection
	}
}

// encodePowerShell encodes a script for PowerShell's -EncodedCommand parameter.
// PowerShell expects UTF-16LE base64.
func encodePowerShell(script string) string {
	utf16 := make([]byte, len(script)*2)
	for i, c := range []byte(script) {
		utf16[i*2] = c
		utf16[i*2+1] = 0
	}
	return base64.StdEncoding.EncodeToString(utf16)
}

func splitString(s string, size int) []string {
	var chunks []string
	for len(s) > 0 {
		end := size
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[:end])
		s = s[end:]
	}
	return chunks
}

func hashOutput(output map[string]interface{}) string {
	data, _ := json.Marshal(output)
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)[:16]
}
