package debug

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestTiming(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetLevel(logrus.DebugLevel)

	Timing(log, false, "noop")()
	if buf.Len() != 0 {
		t.Fatalf("disabled timing wrote %q", buf.String())
	}

	Timing(log, true, "flush batch")()
	out := buf.String()
	if !strings.Contains(out, "starting") || !strings.Contains(out, "completed") {
		t.Errorf("Timing output = %q", out)
	}
	if !strings.Contains(out, "flush batch") {
		t.Errorf("Timing output missing op name: %q", out)
	}
}

func TestOutput(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetLevel(logrus.DebugLevel)

	Output(log, false, "hidden %d", 1)
	Output(log, true, "shown %d", 2)
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown 2") {
		t.Errorf("Output() = %q", buf.String())
	}
}
