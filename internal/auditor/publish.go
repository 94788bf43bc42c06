package auditor

import (
	"context"
	"fmt"

	"github.com/nimbus-io/anti-entropy/internal/storage"
)

// publish copies the run output to the configured store. It is a no-op when
// publication is disabled.
func (a *Auditor) publish(ctx context.Context, run *Run) error {
	if a.publisher == nil {
		return nil
	}

	ref := storage.RunRef{Cluster: a.cfg.Cluster.Name, RunID: run.ID}
	info := storage.RunInfo{
		Cluster:    ref.Cluster,
		RunID:      run.ID,
		Nodes:      a.nodeNames(),
		StartedAt:  run.StartedAt,
		FinishedAt: a.now().UTC(),
		Records:    run.Records,
	}

	manifest, err := a.publisher.Publish(ctx, ref, info, run.Files, findingsMap(run.Findings))
	if err != nil {
		return fmt.Errorf("publish run output: %w", err)
	}
	run.Manifest = manifest
	run.OutputURI = a.publisher.URI(ref)
	return nil
}

// ManifestURI returns the URI of the published manifest, or "" when the run
// was not published.
func (r *Run) ManifestURI() string {
	if r.Manifest == nil || r.OutputURI == "" {
		return ""
	}
	return r.OutputURI + "/" + storage.ManifestFile
}
