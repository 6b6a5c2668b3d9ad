package importer

import (
	"context"
	"log/slog"

	"github.com/twpayne/go-polyline"
	"gtfsflow.org/gtfsdb"
	"gtfsflow.org/internal/logging"
	"gtfsflow.org/internal/utils"
)

// PrecomputePolylines encodes every shape of a version into a Google
// polyline once at import time, so consumers never re-encode per request.
// The on-ground length of each shape is stored alongside it.
func PrecomputePolylines(ctx context.Context, db *gtfsdb.Client, logger *slog.Logger, feedVersionID int64) (int, error) {
	shapeIDs, err := db.ListShapeIDs(ctx, feedVersionID)
	if err != nil {
		return 0, err
	}

	for _, shapeID := range shapeIDs {
		points, err := db.ListShapePoints(ctx, feedVersionID, shapeID)
		if err != nil {
			return 0, err
		}
		coords := make([][]float64, len(points))
		for i, p := range points {
			coords[i] = []float64{p[0], p[1]}
		}
		encoded := polyline.EncodeCoords(coords)
		length := utils.PathLength(points)
		if err := db.UpsertShapePolyline(ctx, feedVersionID, shapeID, string(encoded), int64(len(points)), length); err != nil {
			return 0, err
		}
	}

	logging.LogOperation(logger, "shape_polylines_precomputed",
		slog.Int("shapes", len(shapeIDs)))
	return len(shapeIDs), nil
}
