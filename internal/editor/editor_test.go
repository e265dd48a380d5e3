package editor

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

const sampleTest = `package demo

import "testing"

func TestLogin(t *testing.T) {
	// BRIDGE-STEP-BEGIN step-1
	a := 1
	// BRIDGE-STEP-END
	// BRIDGE-STEP-BEGIN step-2
	b := a + 1
	// BRIDGE-STEP-END
	_ = b
	bridge.ConnectBridge(t)
}
`

func writeSample(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "login_test.go")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHasCallSite(t *testing.T) {
	e := New("")
	path := writeSample(t, sampleTest)

	if !e.HasCallSite(path) {
		t.Error("expected call site in sample")
	}
	if e.HasCallSite(filepath.Join(t.TempDir(), "missing.go")) {
		t.Error("missing file must report no call site")
	}
	if e.HasCallSite(writeSample(t, "not go source {{{")) {
		t.Error("unparsable file must report no call site")
	}
}

func TestRemoveCallSite(t *testing.T) {
	e := New("")
	path := writeSample(t, sampleTest)

	if err := e.RemoveCallSite(path); err != nil {
		t.Fatalf("RemoveCallSite() error = %v", err)
	}
	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), "ConnectBridge") {
		t.Error("call site survived removal")
	}
	// Everything else is untouched.
	if !strings.Contains(string(out), "b := a + 1") {
		t.Error("removal disturbed unrelated lines")
	}
	if e.HasCallSite(path) {
		t.Error("HasCallSite() = true after removal")
	}

	// Removing again is a no-op, not an error.
	if err := e.RemoveCallSite(path); err != nil {
		t.Errorf("second RemoveCallSite() error = %v", err)
	}
}

func TestRemoveCallSiteSelectorAndBareForms(t *testing.T) {
	tests := []struct {
		name string
		call string
	}{
		{"selector", "bridge.ConnectBridge(t)"},
		{"bare", "ConnectBridge(t)"},
		{"assigned", "conn := bridge.ConnectBridge(t); _ = conn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := "package demo\n\nimport \"testing\"\n\nfunc TestX(t *testing.T) {\n\t" + tt.call + "\n}\n"
			e := New("")
			path := writeSample(t, src)
			if err := e.RemoveCallSite(path); err != nil {
				t.Fatalf("RemoveCallSite() error = %v", err)
			}
			out, _ := os.ReadFile(path)
			if strings.Contains(string(out), "ConnectBridge") {
				t.Errorf("call site survived: %s", out)
			}
		})
	}
}

func TestRemoveCallSiteCustomName(t *testing.T) {
	e := New("StartBridge")
	src := "package demo\n\nfunc TestX() {\n\tStartBridge()\n\tConnectBridge()\n}\n"
	path := writeSample(t, src)

	if err := e.RemoveCallSite(path); err != nil {
		t.Fatal(err)
	}
	out, _ := os.ReadFile(path)
	if strings.Contains(string(out), "StartBridge") {
		t.Error("custom call name not removed")
	}
	if !strings.Contains(string(out), "ConnectBridge") {
		t.Error("default name removed despite custom override")
	}
}

func TestScanRegions(t *testing.T) {
	e := New("")
	path := writeSample(t, sampleTest)

	regions, err := e.ScanRegions(path)
	if err != nil {
		t.Fatalf("ScanRegions() error = %v", err)
	}
	if len(regions) != 2 {
		t.Fatalf("got %d regions, want 2", len(regions))
	}
	if regions[0].StepID != "step-1" || regions[1].StepID != "step-2" {
		t.Errorf("step ids = %q, %q", regions[0].StepID, regions[1].StepID)
	}
	if !strings.Contains(regions[0].Body, "a := 1") {
		t.Errorf("region 1 body = %q", regions[0].Body)
	}
	if !strings.Contains(regions[1].Body, "b := a + 1") {
		t.Errorf("region 2 body = %q", regions[1].Body)
	}
}

func TestScanRegionsUnterminated(t *testing.T) {
	src := "// BRIDGE-STEP-BEGIN orphan\nx := 1\n// BRIDGE-STEP-BEGIN step-2\ny := 2\n// BRIDGE-STEP-END\n"
	regions, _ := scanLines(src)
	if len(regions) != 1 {
		t.Fatalf("got %d regions, want 1 (second begin restarts, orphan discarded)", len(regions))
	}
	if regions[0].StepID != "step-2" {
		t.Errorf("kept region = %q, want step-2", regions[0].StepID)
	}

	// A trailing unterminated region is discarded too.
	regions, _ = scanLines("// BRIDGE-STEP-BEGIN tail\nz := 3\n")
	if len(regions) != 0 {
		t.Errorf("got %d regions, want 0", len(regions))
	}
}

func TestStripMarkers(t *testing.T) {
	e := New("")
	path := writeSample(t, sampleTest)

	if err := e.StripMarkers(path); err != nil {
		t.Fatalf("StripMarkers() error = %v", err)
	}
	out, _ := os.ReadFile(path)
	if strings.Contains(string(out), BeginMarker) || strings.Contains(string(out), EndMarker) {
		t.Error("sentinel lines survived strip")
	}
	if !strings.Contains(string(out), "a := 1") || !strings.Contains(string(out), "b := a + 1") {
		t.Error("region bodies must survive strip")
	}

	// Stripping its own output changes nothing.
	before, _ := os.ReadFile(path)
	if err := e.StripMarkers(path); err != nil {
		t.Fatalf("second StripMarkers() error = %v", err)
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("StripMarkers is not idempotent")
	}
}

func TestFormatRegionScansBack(t *testing.T) {
	formatted := FormatRegion("step-9", "clickSubmit()\n")
	regions, _ := scanLines(formatted)
	if len(regions) != 1 {
		t.Fatalf("got %d regions, want 1", len(regions))
	}
	if regions[0].StepID != "step-9" || regions[0].Body != "clickSubmit()" {
		t.Errorf("round-tripped region = %+v", regions[0])
	}
}

func TestConcurrentEditsSerialize(t *testing.T) {
	e := New("")
	path := writeSample(t, sampleTest)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.StripMarkers(path)
			_ = e.RemoveCallSite(path)
		}()
	}
	wg.Wait()

	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(out)
	if strings.Contains(content, "ConnectBridge") {
		t.Error("call site survived concurrent edits")
	}
	if strings.Contains(content, BeginMarker) {
		t.Error("markers survived concurrent edits")
	}
	if !strings.Contains(content, "a := 1") || !strings.Contains(content, "b := a + 1") {
		t.Error("concurrent edits corrupted region bodies")
	}
}

func TestBackupRestoreDiscard(t *testing.T) {
	e := New("")
	path := writeSample(t, sampleTest)

	backupPath, err := e.Backup(path)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if _, err := os.Stat(backupPath); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}

	if err := os.WriteFile(path, []byte("package demo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := e.Restore(path); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	out, _ := os.ReadFile(path)
	if string(out) != sampleTest {
		t.Error("restore did not bring back the original content")
	}
	if _, err := os.Stat(backupPath); !os.IsNotExist(err) {
		t.Error("restore must remove the backup file")
	}

	// Discarding a missing backup is fine.
	e.DiscardBackup(path)

	if _, err := e.Backup(path); err != nil {
		t.Fatal(err)
	}
	e.DiscardBackup(path)
	if _, err := os.Stat(backupPath); !os.IsNotExist(err) {
		t.Error("DiscardBackup left the backup behind")
	}
}
