package contextfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"spark/internal/types"
)

func TestWritePreservesUserContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CONTEXT.md")
	user := "# My project\n\nHand-written notes that must survive.\n"
	if err := os.WriteFile(path, []byte(user), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if err := Write(path, "- first pass\n"); err != nil {
		t.Fatalf("Write error = %v", err)
	}
	if err := Write(path, "- second pass\n"); err != nil {
		t.Fatalf("rewrite error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "Hand-written notes that must survive.") {
		t.Fatalf("user content lost:\n%s", content)
	}
	if !strings.Contains(content, "- second pass") {
		t.Fatalf("region not updated:\n%s", content)
	}
	if strings.Contains(content, "- first pass") {
		t.Fatalf("stale region content left behind:\n%s", content)
	}
	if strings.Count(content, beginMarker) != 1 || strings.Count(content, endMarker) != 1 {
		t.Fatalf("marker pair duplicated:\n%s", content)
	}
}

func TestWriteCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CONTEXT.md")
	if err := Write(path, "- fresh\n"); err != nil {
		t.Fatalf("Write error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "- fresh") {
		t.Fatalf("region missing from new file")
	}
}

func TestWriteRefusesMismatchedMarkers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CONTEXT.md")
	if err := os.WriteFile(path, []byte("notes\n"+beginMarker+"\norphan\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := Write(path, "- body\n"); err == nil {
		t.Fatalf("mismatched markers accepted")
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "orphan") {
		t.Fatalf("refused write still mutated the file")
	}
}

func TestWriteRefusesEmptyBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CONTEXT.md")
	if err := Write(path, "  \n"); err == nil {
		t.Fatalf("empty region accepted")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("empty write created the file")
	}
}

func TestRenderSkipsUnreliableInsights(t *testing.T) {
	body := Render([]types.Insight{
		{Text: "trusted guidance", Reliability: 0.9},
		{Text: "shaky guidance", Reliability: 0.2},
		{Text: "quarantined guidance", Reliability: 0.9, Quarantined: true},
	}, nil)
	if !strings.Contains(body, "trusted guidance") {
		t.Fatalf("reliable insight missing:\n%s", body)
	}
	if strings.Contains(body, "shaky guidance") || strings.Contains(body, "quarantined guidance") {
		t.Fatalf("unreliable insight rendered:\n%s", body)
	}
}
