package session

import (
	"math"

	"github.com/lidarhub/pointserve/internal/engine"
)

// newReadCommand validates the request and builds the raw or
// rasterized command variant for it. Validation failures are
// InvalidArgument errors reported before any dispatch; the command is
// returned unregistered.
func newReadCommand(sess *Session, id string, req ReadRequest, cb ReadCallback) (*ReadCommand, error) {
	if err := validateReadRequest(req); err != nil {
		return nil, err
	}
	return &ReadCommand{
		id:   id,
		sess: sess,
		req:  req,
		cb:   cb,
	}, nil
}

func validateReadRequest(req ReadRequest) error {
	if !engine.ValidBounds(req.Bounds) {
		return errOf(KindInvalidArgument,
			"'bounds' must be 4 or 6 finite numbers forming a valid box, got %v", req.Bounds)
	}
	for _, f := range req.Fields {
		if f == "" {
			return errOf(KindInvalidArgument, "'fields' must not contain empty names")
		}
	}
	if req.Rasterize {
		if req.CellSize <= 0 || math.IsNaN(req.CellSize) || math.IsInf(req.CellSize, 0) {
			return errOf(KindInvalidArgument,
				"'cellSize' must be a positive number when rasterizing, got %v", req.CellSize)
		}
		if len(req.Fields) > 0 {
			return errOf(KindInvalidArgument, "'fields' cannot be combined with rasterization")
		}
	}
	return nil
}
