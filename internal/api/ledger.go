package api

import (
	"github.com/voxelkit/carve/internal/carve/pipeline"
	"github.com/voxelkit/carve/internal/db"
	"github.com/voxelkit/carve/internal/monitoring"
)

// WireRunLedger subscribes the run ledger to the preprocessor so every
// computation attempt lands in the database. Recording failures are
// logged, not propagated; the ledger never blocks the pipeline.
func WireRunLedger(pre *pipeline.Preprocessor, database *db.DB) {
	pre.OnRun(func(rec pipeline.RunRecord) {
		if err := database.RecordRun(runToRow(rec), rec.RegionSizes); err != nil {
			monitoring.Logf("failed to record run %s: %v", rec.ID, err)
		}
	})
}

// runToRow flattens a run record into its ledger row.
func runToRow(rec pipeline.RunRecord) db.Run {
	run := db.Run{
		ID:              rec.ID.String(),
		InputVersion:    rec.InputVersion.String(),
		Shape:           rec.Shape.String(),
		Sigma:           rec.Params.Sigma,
		Filter:          rec.Params.Filter.String(),
		Agglomerate:     rec.Params.Agglomerate,
		SizeRegularizer: rec.Params.SizeRegularizer,
		ReduceTo:        rec.Params.ReduceTo,
		Started:         rec.Started,
		Finished:        rec.Finished,
		FilterTime:      rec.Timings.Filter,
		NormalizeTime:   rec.Timings.Normalize,
		WatershedTime:   rec.Timings.Watershed,
		GraphTime:       rec.Timings.Graph,
		RegionsInitial:  rec.RegionsInitial,
		RegionsFinal:    rec.RegionsFinal,
		EdgeCount:       int64(rec.EdgeCount),
		Outcome:         db.OutcomeOK,
	}
	if rec.Err != "" {
		run.Outcome = db.OutcomeError
		run.Err = rec.Err
	}
	return run
}
