package materializer

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"devplane/internal/environment"
)

// Node pools recognized by the platform. Pool selection and the matching
// toleration are always emitted together from the same switch, so the
// pairing cannot diverge.
const (
	poolLabelKey   = "workload-type"
	poolGPU        = "gpu"
	poolHighMemory = "high-memory"
	poolDefault    = "development"
)

// highMemoryThreshold is the memory limit at or above which workloads are
// routed to the high-memory pool.
var highMemoryThreshold = resource.MustParse("100Gi")

// placement chooses the node pool for a spec's resource shape and returns
// the matching selector and toleration. Pure function: an accelerator
// request wins over memory size, then the memory limit is compared against
// the high-memory threshold, and everything else lands on the default
// development pool.
func placement(spec environment.Spec) (map[string]string, []corev1.Toleration) {
	pool := poolDefault

	switch {
	case spec.Resources.GPU != "":
		pool = poolGPU
	case isHighMemory(spec.Limits.Memory):
		pool = poolHighMemory
	}

	selector := map[string]string{
		"kubernetes.io/arch": "amd64",
		poolLabelKey:         pool,
	}
	tolerations := []corev1.Toleration{
		{
			Key:      poolLabelKey,
			Operator: corev1.TolerationOpEqual,
			Value:    pool,
			Effect:   corev1.TaintEffectNoSchedule,
		},
	}
	return selector, tolerations
}

func isHighMemory(memoryLimit string) bool {
	if memoryLimit == "" {
		return false
	}
	q, err := resource.ParseQuantity(memoryLimit)
	if err != nil {
		// Malformed quantities are rejected by Materialize before placement
		// is consulted.
		return false
	}
	return q.Cmp(highMemoryThreshold) >= 0
}
