package harness

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// Diagnosis is a snapshot of the child taken when a probe fails.
type Diagnosis struct {
	PID         int
	Name        string
	Running     bool
	Status      []string
	Connections int // TCP connections of any state
	Established int // TCP connections in ESTABLISHED state
}

// Diagnose inspects pid. Partial results are returned when only some of the
// lookups succeed; the error is that of the process lookup itself.
func Diagnose(ctx context.Context, pid int) (Diagnosis, error) {
	d := Diagnosis{PID: pid}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return d, fmt.Errorf("failed to inspect process %d: %w", pid, err)
	}

	d.Running, _ = p.IsRunningWithContext(ctx)
	d.Name, _ = p.NameWithContext(ctx)
	d.Status, _ = p.StatusWithContext(ctx)

	conns, err := net.ConnectionsPidWithContext(ctx, "tcp", int32(pid))
	if err != nil {
		slog.Debug("Failed to get connections for PID", "pid", pid, "error", err)
		return d, nil
	}
	d.Connections = len(conns)
	for _, conn := range conns {
		if conn.Status == "ESTABLISHED" {
			d.Established++
		}
	}
	return d, nil
}

func (d Diagnosis) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("pid", d.PID),
		slog.String("name", d.Name),
		slog.Bool("running", d.Running),
		slog.String("status", strings.Join(d.Status, ",")),
		slog.Int("tcp", d.Connections),
		slog.Int("tcp_established", d.Established),
	)
}
