package observability

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLoggerWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	require.NoError(t, InitAuditLogger(path))

	RecordVaultAudit(context.Background(), "bind", "w-1", "/vaults/notes", "success")
	RecordFileAudit(context.Background(), "delete", "w-1", map[string]interface{}{"path": "/vaults/notes/a.md"})
	require.NoError(t, GetAuditLogger().Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	out := string(data)
	assert.Contains(t, out, `"type":"vault"`)
	assert.Contains(t, out, `"directory":"/vaults/notes"`)
	assert.Contains(t, out, `"action":"delete"`)
}

func TestAuditLoggerDiscardsWithoutFile(t *testing.T) {
	auditMu.Lock()
	prev := auditInst
	auditInst = nil
	auditMu.Unlock()
	t.Cleanup(func() {
		auditMu.Lock()
		auditInst = prev
		auditMu.Unlock()
	})

	r, w, err := os.Pipe()
	require.NoError(t, err)
	stdout, stderr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = w, w

	RecordVaultAudit(context.Background(), "bind", "w-1", "/vaults/notes", "success")
	RecordSecurityAudit(context.Background(), "auth", "w-1", "failure")

	os.Stdout, os.Stderr = stdout, stderr
	require.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, string(out))
}

func TestAuditLoggerDiscardsAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, InitAuditLogger(path))
	require.NoError(t, GetAuditLogger().Close())

	RecordVaultAudit(context.Background(), "unbind", "w-1", "/vaults/notes", "success")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, string(data))
}
