package filevault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepGrace is how old an unreferenced blob or temp file must be
// before Sweep treats it as abandoned.
const DefaultSweepGrace = time.Hour

// SweepOptions controls Sweep.
type SweepOptions struct {
	// Grace protects uploads in flight: a blob committed less than Grace
	// ago may still be waiting for its record insert.
	Grace time.Duration

	// Remove deletes orphan blobs and stale temp files. Without it Sweep
	// only reports.
	Remove bool
}

// SweepReport lists the inconsistencies Sweep found.
type SweepReport struct {
	// OrphanBlobs are blob paths no record references.
	OrphanBlobs []string

	// DanglingRecords are ids whose blob is missing. Sweep never deletes
	// them; Delete does, once someone decides to.
	DanglingRecords []int64

	// StaleTemp are leftover temp file names.
	StaleTemp []string

	Removed int
}

// Sweep compares the blob directory against the metadata store. It finds
// the orphan blobs a failed upload leaves behind, the dangling records a
// failed delete or an out-of-band edit leaves behind, and abandoned temp
// files.
func (v *Vault) Sweep(ctx context.Context, opts SweepOptions) (report *SweepReport, err error) {
	defer v.stats.observe("sweep", time.Now(), &err)

	if opts.Grace <= 0 {
		opts.Grace = DefaultSweepGrace
	}

	records, err := v.meta.Records(ctx)
	if err != nil {
		return nil, fmt.Errorf("sweep: %w: %w", ErrMetadataFailure, err)
	}

	referenced := make(map[string]bool, len(records))
	for _, rec := range records {
		referenced[rec.FilePath] = true
	}

	report = &SweepReport{}
	cutoff := time.Now().Add(-opts.Grace)

	iter := v.blobs.List(ctx)
	defer iter.Close()

	seen := make(map[string]bool)
	for iter.Next() {
		info := iter.Info()
		seen[info.Path] = true

		if referenced[info.Path] || info.ModTime.After(cutoff) {
			continue
		}

		report.OrphanBlobs = append(report.OrphanBlobs, info.Path)
		if opts.Remove {
			if err := v.blobs.Delete(ctx, info.Path); err != nil && !errors.Is(err, ErrNotFound) {
				return report, fmt.Errorf("sweep: removing orphan %q: %w: %w", info.Path, ErrIOFailure, err)
			}
			report.Removed++
			v.logger.Info("orphan blob removed", zap.String("file_path", info.Path))
		}
	}
	if err := iter.Err(); err != nil {
		return report, fmt.Errorf("sweep: listing blobs: %w: %w", ErrIOFailure, err)
	}

	for _, rec := range records {
		if seen[rec.FilePath] {
			continue
		}
		// The listing is a snapshot; confirm before reporting.
		ok, err := v.blobs.Exists(ctx, rec.FilePath)
		if err != nil && !isPathError(err) {
			return report, fmt.Errorf("sweep: checking record %d: %w: %w", rec.ID, ErrIOFailure, err)
		}
		if !ok {
			report.DanglingRecords = append(report.DanglingRecords, rec.ID)
			v.logger.Warn("dangling record", zap.Int64("id", rec.ID), zap.String("file_path", rec.FilePath))
		}
	}

	stale, err := v.blobs.SweepTemp(ctx, opts.Grace, opts.Remove)
	if err != nil {
		return report, fmt.Errorf("sweep: %w: %w", ErrIOFailure, err)
	}
	report.StaleTemp = stale
	if opts.Remove {
		report.Removed += len(stale)
	}

	v.stats.swept(report)
	v.logger.Info("sweep finished",
		zap.Int("orphan_blobs", len(report.OrphanBlobs)),
		zap.Int("dangling_records", len(report.DanglingRecords)),
		zap.Int("stale_temp", len(report.StaleTemp)),
		zap.Int("removed", report.Removed),
	)

	return report, nil
}

func isPathError(err error) bool {
	return errors.Is(err, ErrInvalidPath) || errors.Is(err, ErrEmptyPath) || errors.Is(err, ErrPathTooLong)
}
