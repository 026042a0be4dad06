package initiator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

var (
	ErrNotFound     = errors.New("process not found")
	ErrAccessDenied = errors.New("process access denied")
)

// proc is the subset of process metadata the resolver walks.
type proc struct {
	PID     int
	PPID    int
	Name    string
	Started time.Time
}

// table looks up processes. Errors wrap ErrNotFound or ErrAccessDenied.
type table interface {
	lookup(ctx context.Context, pid int) (proc, error)
	list(ctx context.Context) ([]proc, error)
}

type systemTable struct{}

func (systemTable) lookup(ctx context.Context, pid int) (proc, error) {
	if pid <= 0 {
		return proc{}, ErrNotFound
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return proc{}, classify(err)
	}
	return describe(ctx, p)
}

func (systemTable) list(ctx context.Context) ([]proc, error) {
	all, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	out := make([]proc, 0, len(all))
	for _, p := range all {
		info, err := describe(ctx, p)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func describe(ctx context.Context, p *process.Process) (proc, error) {
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return proc{}, classify(err)
	}
	ppid, err := p.PpidWithContext(ctx)
	if err != nil {
		return proc{}, classify(err)
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return proc{}, classify(err)
	}
	return proc{
		PID:     int(p.Pid),
		PPID:    int(ppid),
		Name:    name,
		Started: time.UnixMilli(created),
	}, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, process.ErrorProcessNotRunning), errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	default:
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
}

// baseName drops a Windows executable suffix so names compare across
// platforms.
func baseName(name string) string {
	name = strings.ToLower(name)
	return strings.TrimSuffix(name, ".exe")
}
