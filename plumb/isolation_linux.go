package plumb

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/containerd/cgroups"
	"github.com/containerd/cgroups/v3/cgroup2"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// CgroupsIsolation resource-limits a stage's child process with a
// cgroups v1 hierarchy, one cgroup per forked process. Attach with
// WithIsolation(NewCgroupsIsolationPolicy(...)).
type CgroupsIsolation struct {
	cpu    uint64
	memory int64
	name   string
	path   string

	control cgroups.Cgroup
}

// NewCgroupsIsolationPolicy builds a cgroups v1 policy capping CPU
// shares and memory (bytes) for whatever stage it is attached to.
func NewCgroupsIsolationPolicy(cpu uint64, memory int64, name, path string) IsolationPolicy {
	return &CgroupsIsolation{cpu: cpu, memory: memory, name: name, path: path}
}

func (c *CgroupsIsolation) Setup(ctx context.Context, pid uint64) error {
	cgroupName := fmt.Sprintf("%s-%d-%d", c.name, time.Now().UnixNano(), rand.Intn(10000))
	control, err := cgroups.New(
		cgroups.V1,
		cgroups.StaticPath(c.path+cgroupName),
		&specs.LinuxResources{
			CPU:    &specs.LinuxCPU{Shares: &c.cpu},
			Memory: &specs.LinuxMemory{Limit: &c.memory},
		},
	)
	if err != nil {
		return resourceErrorf(c.name, "creating cgroup %s: %w", cgroupName, err)
	}
	if err := control.Add(cgroups.Process{Pid: int(pid)}); err != nil {
		control.Delete()
		return resourceErrorf(c.name, "adding pid %d to cgroup %s: %w", pid, cgroupName, err)
	}
	c.control = control
	return nil
}

func (c *CgroupsIsolation) Teardown(ctx context.Context) error {
	if c.control == nil {
		return nil
	}
	return c.control.Delete()
}

// CgroupsV2Isolation is CgroupsIsolation for a unified (v2) hierarchy,
// with CPU expressed as a quota/period/weight triple rather than
// shares.
type CgroupsV2Isolation struct {
	cpuQuota  *int64
	cpuPeriod *uint64
	cpuWeight *uint64
	memory    *int64
	name      string
	path      string

	manager *cgroup2.Manager
}

// NewCgroupsV2IsolationPolicy builds a cgroups v2 policy. cpuPeriod
// must be nonzero.
func NewCgroupsV2IsolationPolicy(cpuQuota int64, cpuPeriod, cpuWeight uint64, memory int64, name, path string) (IsolationPolicy, error) {
	if cpuPeriod == 0 {
		return nil, configErrorf(name, "cpuPeriod must be nonzero")
	}
	return &CgroupsV2Isolation{
		cpuQuota:  &cpuQuota,
		cpuPeriod: &cpuPeriod,
		cpuWeight: &cpuWeight,
		memory:    &memory,
		name:      name,
		path:      path,
	}, nil
}

func (c *CgroupsV2Isolation) Setup(ctx context.Context, pid uint64) error {
	cgroupName := fmt.Sprintf("%s-%d-%d", c.name, time.Now().UnixNano(), rand.Intn(10000))
	cgroupPath := c.path + cgroupName

	manager, err := cgroup2.NewManager("/sys/fs/cgroup", cgroupPath, &cgroup2.Resources{
		CPU: &cgroup2.CPU{
			Max:    cgroup2.NewCPUMax(c.cpuQuota, c.cpuPeriod),
			Weight: c.cpuWeight,
		},
		Memory: &cgroup2.Memory{Max: c.memory},
	})
	if err != nil {
		return resourceErrorf(c.name, "creating cgroup manager for %s: %w", cgroupPath, err)
	}
	if err := manager.AddProc(pid); err != nil {
		manager.Delete()
		return resourceErrorf(c.name, "adding pid %d to cgroup %s: %w", pid, cgroupPath, err)
	}
	c.manager = manager
	return nil
}

func (c *CgroupsV2Isolation) Teardown(ctx context.Context) error {
	if c.manager == nil {
		return nil
	}
	return c.manager.Delete()
}
