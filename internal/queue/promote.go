package queue

import "github.com/kalambet/noted/internal/inference"

// promote splits pending jobs into those that must keep waiting and those
// that may run given the current model readiness. Relative order is kept.
func promote(pending []Job, r inference.Readiness) (still, ready []Job) {
	if !r.Admits() {
		return pending, nil
	}
	return nil, pending
}
