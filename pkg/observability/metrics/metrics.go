package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	retrainRunsStarted   atomic.Int64
	retrainRunsFailed    atomic.Int64
	retrainRunsCoalesced atomic.Int64
	promotions           atomic.Int64
	rollbacks            atomic.Int64
	driftChecks          atomic.Int64
	driftExceeded        atomic.Int64
	routedRequests       atomic.Int64
	recordedOutcomes     atomic.Int64
)

func IncRetrainStarted()   { retrainRunsStarted.Add(1) }
func IncRetrainFailed()    { retrainRunsFailed.Add(1) }
func IncRetrainCoalesced() { retrainRunsCoalesced.Add(1) }
func IncPromotions()       { promotions.Add(1) }
func IncRollbacks()        { rollbacks.Add(1) }
func IncDriftChecks()      { driftChecks.Add(1) }
func IncDriftExceeded()    { driftExceeded.Add(1) }
func IncRoutedRequests()   { routedRequests.Add(1) }
func IncRecordedOutcomes() { recordedOutcomes.Add(1) }

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	writeCounter(w, "modelops_retrain_runs_started_total", "Number of retraining runs started.", retrainRunsStarted.Load())
	writeCounter(w, "modelops_retrain_runs_failed_total", "Number of retraining runs that failed.", retrainRunsFailed.Load())
	writeCounter(w, "modelops_retrain_runs_coalesced_total", "Number of retraining triggers dropped because a run was already in flight.", retrainRunsCoalesced.Load())
	writeCounter(w, "modelops_promotions_total", "Number of versions promoted to production.", promotions.Load())
	writeCounter(w, "modelops_rollbacks_total", "Number of production rollbacks.", rollbacks.Load())
	writeCounter(w, "modelops_drift_checks_total", "Number of drift checks executed.", driftChecks.Load())
	writeCounter(w, "modelops_drift_exceeded_total", "Number of drift checks that flagged a shift.", driftExceeded.Load())
	writeCounter(w, "modelops_routed_requests_total", "Number of inference requests routed to a variant.", routedRequests.Load())
	writeCounter(w, "modelops_recorded_outcomes_total", "Number of per-variant outcomes recorded.", recordedOutcomes.Load())
}

func writeCounter(w http.ResponseWriter, name, help string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n", name, value)
}
