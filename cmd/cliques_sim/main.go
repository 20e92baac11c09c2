// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// cliques_sim runs a plan of collective operations over simulated ranks, one goroutine per device of the plan's
// mesh, each with its own clique pool and recording collective library.
//
// It reports the cliques and the dispatch sequence of every rank, and checks all ranks issued their groups in
// the same order.
//
// Usage:
//
//	cliques_sim [-runs=2] [-split] [-transcript] <plan.yaml>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/cliques/pkg/core/distributed"
	"github.com/gomlx/cliques/pkg/runtime/cliques"
	"github.com/gomlx/cliques/pkg/runtime/collectives/recorder"
	"github.com/gomlx/cliques/pkg/runtime/executor"
	"github.com/gomlx/cliques/pkg/runtime/planner"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	flagRuns  = flag.Int("runs", 2, "Number of times each rank executes the plan.")
	flagSplit = flag.Bool("split", cliques.DefaultConfig().EnableCommSplitting,
		fmt.Sprintf("Create cliques by splitting the communicators of larger cliques when possible. "+
			"Defaults to $%s.", cliques.CommSplittingEnv))
	flagTranscript = flag.Bool("transcript", false, "Print the calls issued by each rank.")
	flagTimeout    = flag.Duration("timeout", time.Minute, "Time limit for the whole simulation.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one plan file. See 'cliques_sim -help'.")
		os.Exit(1)
	}
	plan := must.M1(planner.Load(args[0]))
	ranks := must.M1(simulate(plan))
	report(plan, ranks)
	if err := checkOrder(ranks); err != nil {
		klog.Errorf("%v", err)
		os.Exit(1)
	}
	for _, r := range ranks {
		if r.err != nil {
			os.Exit(1)
		}
	}
}

// rank is one simulated process, owning one device.
type rank struct {
	device   distributed.GlobalDeviceID
	lib      *recorder.Library
	pool     *cliques.Pool
	executor *executor.Executor
	cliques  []distributed.CliqueKey
	err      error
	elapsed  time.Duration
}

// simulate runs all the ranks of the plan concurrently, sharing one rendezvous.
func simulate(plan *planner.Plan) ([]*rank, error) {
	mesh, err := plan.Mesh()
	if err != nil {
		return nil, err
	}
	config := cliques.Config{EnableCommSplitting: *flagSplit}
	rendezvous := distributed.NewLocalRendezvous()
	ranks := make([]*rank, 0, mesh.NumDevices())
	for _, device := range mesh.Devices() {
		r := &rank{device: device, lib: recorder.New()}
		r.pool = cliques.NewPool(r.lib, rendezvous.Resolve, config)
		r.executor = executor.New(r.pool, plan.ResourceLimits())
		groups, err := plan.BuildRank(device, r.lib)
		if err != nil {
			return nil, err
		}
		for _, group := range groups {
			if err := r.executor.AddProgram(device, group); err != nil {
				return nil, err
			}
		}
		ranks = append(ranks, r)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *flagTimeout)
	defer cancel()
	var g errgroup.Group
	for _, r := range ranks {
		g.Go(func() error {
			start := time.Now()
			for run := range *flagRuns {
				if err := r.executor.Execute(ctx); err != nil {
					r.err = errors.WithMessagef(err, "run #%d", run)
					break
				}
			}
			r.cliques = r.pool.Keys()
			r.executor.Close()
			r.elapsed = time.Since(start)
			return nil
		})
	}
	_ = g.Wait()
	return ranks, nil
}

// groupSequence returns the sequence of group dispatches of the rank, as the list of operations issued in each.
func groupSequence(lib *recorder.Library) []string {
	var sequence []string
	var current []string
	depth := 0
	for _, call := range lib.Calls() {
		switch call.Op {
		case recorder.OpGroupStart:
			depth++
		case recorder.OpGroupEnd:
			depth--
			if depth == 0 {
				sequence = append(sequence, strings.Join(current, ","))
				current = nil
			}
		case recorder.OpCreate, recorder.OpSplit, recorder.OpDestroy:
		default:
			current = append(current, call.Op)
		}
	}
	return sequence
}

// checkOrder verifies that all ranks dispatched the same sequence of groups.
func checkOrder(ranks []*rank) error {
	if len(ranks) == 0 {
		return nil
	}
	want := groupSequence(ranks[0].lib)
	for _, r := range ranks[1:] {
		if got := groupSequence(r.lib); !slices.Equal(want, got) {
			return errors.Errorf("device #%s dispatched groups %q, but device #%s dispatched %q",
				r.device, got, ranks[0].device, want)
		}
	}
	return nil
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 0 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func report(plan *planner.Plan, ranks []*rank) {
	mesh := must.M1(plan.Mesh())
	fmt.Println(titleStyle.Render("Plan"))
	table := newPlainTable(false)
	table.Row("plan", plan.Name)
	table.Row("mesh", mesh.String())
	table.Row("devices", distributed.DevicesString(mesh.Devices()))
	table.Row("groups", humanize.Comma(int64(len(plan.Groups))))
	table.Row("runs", humanize.Comma(int64(*flagRuns)))
	table.Row("comm splitting", fmt.Sprintf("%v", *flagSplit))
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Ranks"))
	table = newPlainTable(true)
	table.Row("Device", "Cliques", "Created", "Split", "Buffers", "Calls", "Time", "Status")
	for _, r := range ranks {
		var created, split int
		for _, call := range r.lib.Calls() {
			switch call.Op {
			case recorder.OpCreate:
				created++
			case recorder.OpSplit:
				split++
			}
		}
		var bufferBytes int64
		if requests := r.executor.Requests(); requests != nil {
			bufferBytes = requests.BufferBytes()
		}
		status := "ok"
		if r.err != nil {
			status = r.err.Error()
		}
		table.Row(r.device.String(), humanize.Comma(int64(len(r.cliques))), humanize.Comma(int64(created)),
			humanize.Comma(int64(split)), humanize.Bytes(uint64(bufferBytes)), humanize.Comma(int64(len(r.lib.Calls()))),
			r.elapsed.Round(time.Microsecond).String(), status)
	}
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Cliques"))
	table = newPlainTable(true)
	table.Row("Clique", "Ranks")
	members := make(map[string][]distributed.GlobalDeviceID)
	var keys []distributed.CliqueKey
	for _, r := range ranks {
		for _, key := range r.cliques {
			fingerprint := key.Fingerprint()
			if _, found := members[fingerprint]; !found {
				keys = append(keys, key)
			}
			members[fingerprint] = append(members[fingerprint], r.device)
		}
	}
	distributed.SortCliqueKeys(keys)
	for _, key := range keys {
		table.Row(key.String(), distributed.DevicesString(members[key.Fingerprint()]))
	}
	fmt.Println(table.Render())

	if *flagTranscript {
		for _, r := range ranks {
			fmt.Println(titleStyle.Render(fmt.Sprintf("Device #%s transcript", r.device)))
			fmt.Print(r.lib.Transcript())
		}
	}
}
