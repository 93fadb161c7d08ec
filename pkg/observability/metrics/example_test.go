package metrics_test

import (
	"fmt"
	"time"

	"github.com/nimburion/docroute/pkg/observability/metrics"
)

func ExampleRegistry_Query() {
	registry := metrics.NewRegistry()

	m := registry.Query()
	m.ObserveRoundTrip("point-lookup", metrics.OutcomeOK, 2*time.Millisecond)
	m.AddRequestUnits("point-read", 1)

	fmt.Println("query metrics recorded")
	// Output: query metrics recorded
}
