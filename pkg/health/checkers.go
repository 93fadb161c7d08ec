package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nimburion/docroute/pkg/partition"
	"github.com/nimburion/docroute/pkg/resilience"
)

const defaultCheckTimeout = 5 * time.Second

// Checkable is implemented by store adapters and the catalog connection.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker reports a Checkable as healthy or unhealthy.
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
}

// NewAdapterChecker creates a checker bounded by timeout; 0 means 5s.
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &AdapterChecker{name: name, adapter: adapter, timeout: timeout}
}

// Check performs the health check on the adapter
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := CheckResult{Name: c.name, Status: StatusHealthy, Message: "OK"}
	if err := c.adapter.HealthCheck(checkCtx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = ""
		result.Error = err.Error()
	}
	result.Timestamp = time.Now()
	result.Duration = time.Since(start)
	return result
}

// Name returns the name of the health check
func (c *AdapterChecker) Name() string {
	return c.name
}

// BreakerChecker reports degraded while any partition breaker is open.
// Queries still run but skip those partitions.
type BreakerChecker struct {
	breakers *resilience.BreakerSet
}

// NewBreakerChecker creates a checker over a breaker set.
func NewBreakerChecker(breakers *resilience.BreakerSet) *BreakerChecker {
	return &BreakerChecker{breakers: breakers}
}

func (c *BreakerChecker) Check(context.Context) CheckResult {
	result := CheckResult{Name: c.Name(), Status: StatusHealthy, Message: "all breakers closed", Timestamp: time.Now()}
	open := c.breakers.Open()
	if len(open) == 0 {
		return result
	}
	sort.Strings(open)
	result.Status = StatusDegraded
	result.Message = fmt.Sprintf("open for partitions %s", strings.Join(open, ", "))
	result.Metadata = map[string]any{"open": open}
	return result
}

func (c *BreakerChecker) Name() string { return "breakers" }

// PartitionMapChecker reports the partition map version and size.
type PartitionMapChecker struct {
	partitions *partition.Map
}

// NewPartitionMapChecker creates a checker over pm.
func NewPartitionMapChecker(pm *partition.Map) *PartitionMapChecker {
	return &PartitionMapChecker{partitions: pm}
}

func (c *PartitionMapChecker) Check(context.Context) CheckResult {
	snap := c.partitions.Snapshot()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("version %d, %d partitions", snap.Version(), snap.Len()),
		Timestamp: time.Now(),
		Metadata:  map[string]any{"version": snap.Version(), "partitions": snap.Len()},
	}
	if snap.Len() == 0 {
		result.Status = StatusUnhealthy
		result.Error = "partition map is empty"
	}
	return result
}

func (c *PartitionMapChecker) Name() string { return "partitions" }
