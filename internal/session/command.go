package session

import (
	"bytes"
	"io"
	"sync"

	"github.com/lidarhub/pointserve/internal/engine"
)

// ReadRequest carries the parameters of one read call, raw or
// rasterized. CellSize is only meaningful when Rasterize is set.
type ReadRequest struct {
	Bounds    []float64 `json:"bounds,omitempty"`
	Fields    []string  `json:"fields,omitempty"`
	Compress  bool      `json:"compress,omitempty"`
	Rasterize bool      `json:"rasterize,omitempty"`
	CellSize  float64   `json:"cellSize,omitempty"`
}

// ReadResult is the success payload of a completed read. Data is
// handed to the callback exactly once and is not retained by the
// background task afterwards. Raster is nil for raw reads.
type ReadResult struct {
	ReadID    string
	NumPoints int64
	NumBytes  int
	Data      []byte
	Raster    *engine.RasterMeta
}

// ReadCallback receives the terminal event of a read: a classified
// error, or a result. It is invoked at most once, never after
// cancellation, and always from the dispatcher's completion goroutine.
type ReadCallback func(err error, res *ReadResult)

type commandState int

const (
	statePending commandState = iota
	stateRunning
	stateDoneSuccess
	stateDoneError
	stateCancelled
)

// ReadCommand is one in-flight read. The raw and rasterized variants
// share the struct; a rasterized command carries non-nil raster
// metadata after a successful run.
type ReadCommand struct {
	id   string
	sess *Session
	req  ReadRequest
	cb   ReadCallback

	mu    sync.Mutex
	state commandState

	// Written only by the dispatcher worker running the command; read
	// by the completion goroutine after the worker is done.
	buf       bytes.Buffer
	numPoints int64
	raster    *engine.RasterMeta
}

// ID returns the command's read identifier.
func (c *ReadCommand) ID() string { return c.id }

// Rasterized reports which read variant this command is.
func (c *ReadCommand) Rasterized() bool { return c.req.Rasterize }

// run performs the read on a dispatcher worker: it asks the engine for
// the query result and drains it into the command's buffer chunk by
// chunk. A command cancelled before the worker picks it up does no
// engine work at all.
func (c *ReadCommand) run() error {
	if !c.markRunning() {
		return nil
	}

	eng, err := c.sess.engineHandle()
	if err != nil {
		return err
	}

	resp, err := eng.Read(engine.Query{
		Bounds:    c.req.Bounds,
		Fields:    c.req.Fields,
		Compress:  c.req.Compress,
		Rasterize: c.req.Rasterize,
		CellSize:  c.req.CellSize,
	})
	if err != nil {
		return classifyEngineErr(err)
	}

	chunk := make([]byte, engine.ChunkSize)
	for {
		n, rerr := resp.Data.Read(chunk)
		if n > 0 {
			c.buf.Write(chunk[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return errOf(KindEngineFailure, "read stream failed: %v", rerr)
		}
	}

	c.numPoints = resp.NumPoints
	c.raster = resp.Raster
	return nil
}

// markRunning transitions pending -> running; it refuses when the
// command was cancelled first.
func (c *ReadCommand) markRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != statePending {
		return false
	}
	c.state = stateRunning
	return true
}

// cancel marks the command cancelled. Entering cancelled from pending
// or running suppresses the completion callback permanently. It
// reports false when the command already reached a terminal state, so
// a cancel that loses the race against completion is never reported
// as a win.
func (c *ReadCommand) cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == statePending || c.state == stateRunning {
		c.state = stateCancelled
		return true
	}
	return false
}

// complete delivers the terminal event. It reports false when the
// command was cancelled and the event was discarded. On success the
// buffer moves into the result; the command keeps no reference.
func (c *ReadCommand) complete(err error) bool {
	c.mu.Lock()
	if c.state == stateCancelled {
		c.mu.Unlock()
		return false
	}
	if err != nil {
		c.state = stateDoneError
	} else {
		c.state = stateDoneSuccess
	}
	c.mu.Unlock()

	cb := c.cb
	c.cb = nil
	if cb == nil {
		return true
	}
	if err != nil {
		cb(err, nil)
		return true
	}
	data := c.buf.Bytes()
	c.buf = bytes.Buffer{}
	cb(nil, &ReadResult{
		ReadID:    c.id,
		NumPoints: c.numPoints,
		NumBytes:  len(data),
		Data:      data,
		Raster:    c.raster,
	})
	return true
}
