package query

import (
	"context"
	"time"

	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/dcm"
	"github.com/otcheredev/dicom-archive-core/internal/metrics"
	"github.com/otcheredev/dicom-archive-core/internal/models"
	"github.com/otcheredev/dicom-archive-core/internal/repository"
	"github.com/rs/zerolog/log"
)

// aetScheme prefixes the pseudo URI of an instance with no local file.
const aetScheme = "aet:"

// Locate returns every non-replaced instance matching pids and the UID keys
// (StudyInstanceUID, SeriesInstanceUID, SOPInstanceUID), in series order.
func (e *Engine) Locate(ctx context.Context, pids []archive.IDWithIssuer, keys *dcm.Attributes) ([]models.InstanceLocator, error) {
	start := time.Now()
	defer func() { metrics.LocateDuration.Observe(time.Since(start).Seconds()) }()

	if keys == nil {
		keys = dcm.NewAttributes()
	}
	b := &builder{e: e, keys: keys}
	where, err := b.where(archive.Image, pids)
	if err != nil {
		return nil, err
	}
	rows, err := e.backend.Query(ctx, repository.Select{Level: archive.Image, Where: where, WithFiles: true})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		m   merger
		out []models.InstanceLocator
	)
	for rows.Next() {
		row := rows.Row()
		attrs, err := m.attrs(archive.Image, row)
		if err != nil {
			return nil, err
		}
		out = append(out, locator(row, attrs))
	}
	if err := rows.Err(); err != nil {
		return nil, archive.NewResourceError("read locate results", err)
	}
	log.Debug().
		Int("instances", len(out)).
		Int("decoded", m.decoded).
		Dur("duration", time.Since(start)).
		Msg("Located instances")
	return out, nil
}

func locator(row repository.Row, attrs *dcm.Attributes) models.InstanceLocator {
	inst := row.Instance
	loc := models.InstanceLocator{
		SOPClassUID:    inst.SOPClassUID,
		SOPInstanceUID: inst.SOPInstanceUID,
		Attributes:     attrs,
	}
	if loc.SOPClassUID == models.Unknown {
		loc.SOPClassUID = ""
	}
	if len(row.Files) > 0 {
		loc.URI = row.Files[0].URI
		loc.TransferSyntaxUID = row.Files[0].TransferSyntaxUID
		return loc
	}
	loc.URI = aetScheme + dcm.MultiValue(RetrieveAETs(inst.Aggregates))
	return loc
}
