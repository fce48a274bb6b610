package main

import "math"

const (
	SpatialCellSize = 100.0 // >= widest reach: participant+trail radius plus max latency padding
)

// EntityRef identifies an entity in the grid
type EntityRef struct {
	Kind byte // 'p'=participant, 't'=trail point, 'c'=collectible
	Slot int  // index into the tick's participant list
	Idx  int  // trail point index for 't', collectible index for 'c'
}

// SpatialGrid is a uniform grid for broad-phase collision queries.
// Positions outside the grid clamp to the edge cells.
type SpatialGrid struct {
	cellSize float64
	cols     int
	rows     int
	cells    [][]EntityRef
}

// NewSpatialGrid creates a grid covering width x height
func NewSpatialGrid(width, height float64) *SpatialGrid {
	return NewSpatialGridWithCell(width, height, SpatialCellSize)
}

// NewSpatialGridWithCell creates a grid with a custom cell size
func NewSpatialGridWithCell(width, height, cellSize float64) *SpatialGrid {
	if cellSize <= 0 {
		cellSize = SpatialCellSize
	}
	cols := int(math.Ceil(width/cellSize)) + 1
	rows := int(math.Ceil(height/cellSize)) + 1
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	return &SpatialGrid{
		cellSize: cellSize,
		cols:     cols,
		rows:     rows,
		cells:    make([][]EntityRef, cols*rows),
	}
}

// Clear resets all cells (keeps allocated capacity)
func (g *SpatialGrid) Clear() {
	for i := range g.cells {
		g.cells[i] = g.cells[i][:0]
	}
}

func (g *SpatialGrid) cellCoords(x, y float64) (int, int) {
	cx := int(math.Floor(x / g.cellSize))
	cy := int(math.Floor(y / g.cellSize))
	if cx < 0 {
		cx = 0
	} else if cx >= g.cols {
		cx = g.cols - 1
	}
	if cy < 0 {
		cy = 0
	} else if cy >= g.rows {
		cy = g.rows - 1
	}
	return cx, cy
}

// Insert adds an entity reference at the given position
func (g *SpatialGrid) Insert(x, y float64, ref EntityRef) {
	cx, cy := g.cellCoords(x, y)
	idx := cy*g.cols + cx
	g.cells[idx] = append(g.cells[idx], ref)
}

// InsertCircle adds an entity reference to all cells overlapping its bounding box
func (g *SpatialGrid) InsertCircle(x, y, radius float64, ref EntityRef) {
	minCX, minCY := g.cellCoords(x-radius, y-radius)
	maxCX, maxCY := g.cellCoords(x+radius, y+radius)
	for cy := minCY; cy <= maxCY; cy++ {
		for cx := minCX; cx <= maxCX; cx++ {
			idx := cy*g.cols + cx
			g.cells[idx] = append(g.cells[idx], ref)
		}
	}
}

// QueryBuf appends results to buf and returns the extended slice, avoiding per-call allocation
func (g *SpatialGrid) QueryBuf(x, y, radius float64, buf []EntityRef) []EntityRef {
	minCX, minCY := g.cellCoords(x-radius, y-radius)
	maxCX, maxCY := g.cellCoords(x+radius, y+radius)
	for cy := minCY; cy <= maxCY; cy++ {
		for cx := minCX; cx <= maxCX; cx++ {
			buf = append(buf, g.cells[cy*g.cols+cx]...)
		}
	}
	return buf
}

// Neighbors appends the refs of the 3x3 cell block around (x, y)
func (g *SpatialGrid) Neighbors(x, y float64, buf []EntityRef) []EntityRef {
	cx, cy := g.cellCoords(x, y)
	for dy := -1; dy <= 1; dy++ {
		ny := cy + dy
		if ny < 0 || ny >= g.rows {
			continue
		}
		for dx := -1; dx <= 1; dx++ {
			nx := cx + dx
			if nx < 0 || nx >= g.cols {
				continue
			}
			buf = append(buf, g.cells[ny*g.cols+nx]...)
		}
	}
	return buf
}
