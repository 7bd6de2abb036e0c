package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	db "github.com/tauraamui/streamerd/pkg/database"
	"github.com/tauraamui/streamerd/pkg/database/models"
	"github.com/tauraamui/streamerd/pkg/database/repos"
	"github.com/tauraamui/streamerd/pkg/probe"
	"github.com/tauraamui/xerror"
	"golang.org/x/term"
)

const defaultRunsListed = 10

var isTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// confirm asks a yes/no question. Without a terminal to ask on the answer
// is no.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	if !isTerminal() {
		return false, xerror.New("refusing to continue without a terminal to confirm on")
	}

	fmt.Fprintf(out, "%s [y/N]: ", question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func probeDevices(out io.Writer, paths []string) (string, error) {
	if len(paths) == 0 {
		found, err := probe.Devices()
		if err != nil {
			return "", err
		}
		paths = found
	}
	if len(paths) == 0 {
		return "No video devices found", nil
	}

	for _, path := range paths {
		report, err := probe.Device(path)
		if err != nil {
			return "", err
		}
		if _, err := report.WriteTo(out); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("Probed %d devices", len(paths)), nil
}

func listRuns(out io.Writer, args []string) (string, error) {
	limit := defaultRunsListed
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return "", xerror.Errorf("run count must be a positive number, got %s", args[0])
		}
		limit = n
	}

	conn, err := db.Connect()
	if err != nil {
		return "", err
	}
	defer conn.Close()

	runs, err := (&repos.RunRepository{DB: conn}).Latest(limit)
	if err != nil {
		return "", err
	}
	if err := writeRuns(out, runs); err != nil {
		return "", err
	}
	return fmt.Sprintf("Listed %d runs", len(runs)), nil
}

func writeRuns(out io.Writer, runs []models.Run) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tPIPELINE\tBACKEND\tOUTCOME\tDURATION\tTICKS\tFRAMES\tBYTES\tLEAKS")
	for _, run := range runs {
		fmt.Fprintf(
			w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			run.StartedAt.Format(time.RFC3339), run.Pipeline, run.Backend, run.Outcome,
			run.Duration().Round(time.Millisecond), run.Ticks, run.FramesSunk, run.BytesSunk, run.Leaks,
		)
	}
	return w.Flush()
}
