package main_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/vulcan-os/vulcan/internal/cli/cmd"
	"github.com/vulcan-os/vulcan/internal/log"
)

func TestBootRunsAndReportsStats(t *testing.T) {
	boot := cmd.Boot()

	fs := boot.FlagSet()
	if err := fs.Parse([]string{"-ram", "16777216", "-hz", "100", "-timeout", "50ms"}); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	code := boot.Run(ctx, fs.Args(), &out, log.DefaultLogger())
	if code != 0 {
		t.Fatalf("want exit code 0, got %d (output: %s)", code, out.String())
	}

	if !bytes.Contains(out.Bytes(), []byte("frames:")) {
		t.Errorf("want frame stats in output, got %q", out.String())
	}
}
