package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesAuditFile(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "trades.log")
	appPath := filepath.Join(dir, "app.log")

	if err := Init(Config{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{appPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	t.Cleanup(func() { _ = Init(Config{}) })

	Named("scheduler").Info("tick", "due", 2)
	Audit().Info("trade executed", "agent_id", "a-1")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	appContent, err := os.ReadFile(appPath)
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	if !strings.Contains(string(appContent), `"component":"scheduler"`) {
		t.Fatalf("component attribute missing: %s", appContent)
	}

	auditContent, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(auditContent), "trade executed") {
		t.Fatalf("audit entry missing: %s", auditContent)
	}
}

func TestInitRejectsEmptyAuditPath(t *testing.T) {
	err := Init(Config{Audit: AuditConfig{Enabled: true}})
	if err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}
