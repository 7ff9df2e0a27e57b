// Package childinit is the child branch of a launch.
//
// The Go runtime cannot run arbitrary code between fork and exec, so the
// supervisor forks by starting its own executable with a marker argument.
// That process runs Main, which arranges descriptors according to the
// launch plan and then replaces itself with the target program. The pid the
// supervisor waits on is therefore the target's pid.
//
// Descriptors on entry:
//
//	0, 1, 2  the supervisor's stdio (or closed)
//	3        error channel write end
//	4        launch plan read end, carrying one frame
//	5..      sources for the plan's move descriptors
package childinit

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/randomizedcoder/go-procrun/internal/exitcode"
	"github.com/randomizedcoder/go-procrun/internal/fd"
	"github.com/randomizedcoder/go-procrun/internal/fdio"
	"github.com/randomizedcoder/go-procrun/internal/sys"
)

// Arg marks the child role in argv[1].
const Arg = "--procrun-child-init"

const (
	ErrFd     = 3
	PlanFd    = 4
	FirstSlot = 5
)

// Plan is everything the child needs to finish a launch.
type Plan struct {
	Path string          `json:"path"`
	Argv []string        `json:"argv"`
	Env  []string        `json:"env"`
	Fds  []fd.Descriptor `json:"fds"`
}

// Encode serializes the plan for the launch pipe.
func (p *Plan) Encode() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode launch plan: %w", err)
	}
	return b, nil
}

// Argv is the argument vector the supervisor starts the child branch with.
func Argv() []string {
	return []string{os.Args[0], Arg}
}

// Invoked reports whether this process is a child branch.
func Invoked() bool {
	return len(os.Args) == 2 && os.Args[1] == Arg
}

// Main runs the child branch. It returns only by exec or exit.
func Main() {
	os.Exit(run())
}

func run() int {
	report := func(msg string) {
		// Nobody to tell if the channel itself is gone.
		_ = fdio.WriteString(ErrFd, fdio.Truncate(msg))
	}

	plan, err := readPlan(PlanFd)
	sys.Close(PlanFd)
	if err != nil {
		report(fmt.Sprintf("read launch plan: %v", err))
		return exitcode.OSErr
	}

	errFd, err := relocate(plan)
	if err != nil {
		report(fmt.Sprintf("relocate descriptors: %v", err))
		return exitcode.OSErr
	}
	report = func(msg string) {
		_ = fdio.WriteString(errFd, fdio.Truncate(msg))
	}

	ok := true
	for _, i := range setUpOrder(plan.Fds) {
		if err := plan.Fds[i].SetUpInChild(); err != nil {
			report(err.Error())
			ok = false
		}
	}
	if !ok {
		return exitcode.OSErr
	}

	err = sys.Execve(plan.Path, plan.Argv, plan.Env)
	report(fmt.Sprintf("exec: %s: %v", plan.Path, err))

	for i := range plan.Fds {
		if err := plan.Fds[i].CleanUpInChild(); err != nil {
			report(err.Error())
		}
	}
	return exitcode.OSErr
}

func readPlan(planFd int) (*Plan, error) {
	b, err := fdio.ReadFramed(planFd)
	if err != nil {
		return nil, err
	}
	var plan Plan
	if err := json.Unmarshal(b, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// relocate moves the error channel and every move source above all target
// descriptors, so installing one target cannot clobber another's source.
// The moved copies are close-on-exec. It returns the new error channel fd.
func relocate(plan *Plan) (int, error) {
	floor := ErrFd
	for _, d := range plan.Fds {
		floor = max(floor, d.Fd, d.Src)
	}
	floor++

	errFd, err := moveAbove(ErrFd, floor)
	if err != nil {
		return -1, err
	}
	for i := range plan.Fds {
		d := &plan.Fds[i]
		if d.Action != fd.ActionMove || d.Src < FirstSlot {
			continue
		}
		if d.Src, err = moveAbove(d.Src, floor); err != nil {
			return errFd, err
		}
	}
	return errFd, nil
}

func moveAbove(src, floor int) (int, error) {
	nfd, err := sys.DupAbove(src, floor)
	if err != nil {
		return -1, err
	}
	if err := sys.Close(src); err != nil {
		return nfd, err
	}
	return nfd, nil
}

// setUpOrder returns plan indexes with non-dup descriptors first, then
// dups in ascending target order.
func setUpOrder(fds []fd.Descriptor) []int {
	var order, dups []int
	for i := range fds {
		if fds[i].IsDup() {
			dups = append(dups, i)
		} else {
			order = append(order, i)
		}
	}
	slices.SortStableFunc(dups, func(a, b int) int { return fds[a].Fd - fds[b].Fd })
	return append(order, dups...)
}
