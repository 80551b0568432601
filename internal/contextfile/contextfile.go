// Package contextfile renders learned guidance into a marker-bounded region
// of an agent context file. Everything outside the markers belongs to the
// user and is preserved byte for byte.
package contextfile

import (
	"fmt"
	"os"
	"strings"
	"time"

	"spark/internal/types"
)

const (
	beginMarker = "<!-- SPARK:BEGIN -->"
	endMarker   = "<!-- SPARK:END -->"
)

// maxRendered bounds how many insights land in the rendered region.
const maxRendered = 10

// Render builds the region body from the highest-reliability insights and
// distillations.
func Render(insights []types.Insight, distills []types.Distillation) string {
	var sb strings.Builder
	sb.WriteString("## Learned guidance\n\n")
	sb.WriteString(fmt.Sprintf("_Updated %s. Do not edit inside the markers; this region is rewritten._\n\n", time.Now().UTC().Format("2006-01-02 15:04")))

	count := 0
	for _, d := range distills {
		if count >= maxRendered/2 {
			break
		}
		if d.ValidationCount < 1 {
			continue
		}
		sb.WriteString(fmt.Sprintf("- %s\n", d.Statement))
		count++
	}
	for _, ins := range insights {
		if count >= maxRendered {
			break
		}
		if ins.Quarantined || ins.NeedsRefinement || ins.Reliability < 0.5 {
			continue
		}
		sb.WriteString(fmt.Sprintf("- %s\n", ins.Text))
		count++
	}
	if count == 0 {
		sb.WriteString("_Nothing learned yet._\n")
	}
	return sb.String()
}

// Write replaces the marker-bounded region of the file at path with body,
// leaving everything else untouched. A missing file is created; a file
// without markers gets the region appended. The file is replaced atomically.
func Write(path, body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("refusing to write empty region to %s", path)
	}
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read context file: %w", err)
	}

	region := beginMarker + "\n" + strings.TrimRight(body, "\n") + "\n" + endMarker
	content := string(existing)

	begin := strings.Index(content, beginMarker)
	end := strings.Index(content, endMarker)
	var next string
	switch {
	case begin >= 0 && end > begin:
		next = content[:begin] + region + content[end+len(endMarker):]
	case begin >= 0 || end >= 0:
		// Half a marker pair means a hand-edited file; refuse rather than
		// guess at boundaries.
		return fmt.Errorf("context file %s has mismatched region markers", path)
	case content == "":
		next = region + "\n"
	default:
		sep := "\n"
		if !strings.HasSuffix(content, "\n") {
			sep = "\n\n"
		}
		next = content + sep + region + "\n"
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(next), 0o644); err != nil {
		return fmt.Errorf("failed to write context file: %w", err)
	}
	return os.Rename(tmp, path)
}
