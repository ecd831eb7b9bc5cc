package integrationtests

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pierrec/lz4/v4"
)

func TestPublishToDisk(t *testing.T) {
	env := setup(t)
	publishDir := t.TempDir()
	url := env.start(t, nil, "-publish=disk", "-publish-dir="+publishDir, "-compress")

	graph := "digraph { published -> copy }"
	resp, body := postDot(t, url, "pub1", graph)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
	}

	// Publishing happens in the background after the response.
	target := filepath.Join(publishDir, "pub1.svg.lz4")
	var data []byte
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		if data, err = os.ReadFile(target); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if data == nil {
		t.Fatalf("Artifact was not published to %s", target)
	}

	restored, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		t.Fatalf("Failed to decompress published artifact: %v", err)
	}
	if string(restored) != graph {
		t.Fatalf("Unexpected published content %q", restored)
	}
	t.Log("✓ Rendered artifact published with lz4 compression")
}

func TestPublishErrorsDoNotFailRenders(t *testing.T) {
	env := setup(t)
	publishDir := t.TempDir()

	errorRate := 1.0
	t.Logf("Running renders with %.2f%% publish error rate...", errorRate*100)
	url := env.start(t, []string{"ERROR_RATE=" + fmt.Sprintf("%f", errorRate)}, "-publish=disk", "-publish-dir="+publishDir)

	for i := 0; i < 5; i++ {
		resp, body := postDot(t, url, fmt.Sprintf("err%d", i), "digraph {}")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Render %d failed despite publish errors only: %d %s", i, resp.StatusCode, body)
		}
	}

	// Give background publishes time to run and fail.
	time.Sleep(200 * time.Millisecond)
	entries, err := os.ReadDir(publishDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("Expected every publish to fail, found %d files", len(entries))
	}
	t.Log("✓ Renders succeeded despite error injection")
}
