package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/tauraamui/streamerd/pkg/database/models"
)

func overloadIsTerminal(overload bool) func() {
	isTerminalRef := isTerminal
	isTerminal = func() bool { return overload }
	return func() { isTerminal = isTerminalRef }
}

func TestConfirm(t *testing.T) {
	reset := overloadIsTerminal(true)
	defer reset()

	for answer, want := range map[string]bool{"y\n": true, "YES\n": true, "n\n": false, "\n": false, "": false} {
		is := is.New(t)
		var out bytes.Buffer
		ok, err := confirm(strings.NewReader(answer), &out, "Delete?")
		is.NoErr(err)
		is.Equal(ok, want)
		is.Equal(out.String(), "Delete? [y/N]: ")
	}
}

func TestConfirmRefusesWithoutTerminal(t *testing.T) {
	is := is.New(t)
	reset := overloadIsTerminal(false)
	defer reset()

	ok, err := confirm(strings.NewReader("y\n"), &bytes.Buffer{}, "Delete?")
	is.True(!ok)
	is.Equal(err.Error(), "refusing to continue without a terminal to confirm on")
}

func TestWriteRuns(t *testing.T) {
	is := is.New(t)

	started := time.Date(2021, 11, 2, 9, 30, 0, 0, time.UTC)
	stopped := started.Add(1500 * time.Millisecond)
	var out bytes.Buffer
	is.NoErr(writeRuns(&out, []models.Run{{
		Pipeline: "Raspberry Pi", Backend: "v4l2", Outcome: models.OutcomeStopped,
		StartedAt: started, StoppedAt: &stopped, Ticks: 45, FramesSunk: 44, BytesSunk: 90112,
	}}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	is.Equal(len(lines), 2)
	is.Equal(strings.Fields(lines[0]), []string{"STARTED", "PIPELINE", "BACKEND", "OUTCOME", "DURATION", "TICKS", "FRAMES", "BYTES", "LEAKS"})
	is.Equal(strings.Fields(lines[1]), []string{"2021-11-02T09:30:00Z", "Raspberry", "Pi", "v4l2", "stopped", "1.5s", "45", "44", "90112", "0"})
}

func TestBackendOverride(t *testing.T) {
	is := is.New(t)

	is.True(backendOverride("") == nil)
	is.Equal(backendOverride("mock").Name(), "mock")
}
