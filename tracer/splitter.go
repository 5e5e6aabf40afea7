package tracer

// SplitSize returns the sub-tile size for a tile of w x h pixels so that
// the rounded lane grid of each sub-tile fits in maxLanes. The longer axis is
// repeatedly halved (and re-rounded to the granularity) which keeps sub-tiles
// close to square. A zero Size is returned if not even a single work-group
// fits.
func SplitSize(w, h, maxLanes int, granularity Size) Size {
	size := Size{w, h}.RoundUp(granularity)
	if granularity.Area() > maxLanes {
		return Size{}
	}

	for size.Area() > maxLanes {
		// An axis already at the granularity cannot shrink any further.
		shrinkX := size.X > granularity.X
		shrinkY := size.Y > granularity.Y

		switch {
		case shrinkX && (size.X >= size.Y || !shrinkY):
			size.X = roundUp(max(size.X/2, 1), granularity.X)
		case shrinkY:
			size.Y = roundUp(max(size.Y/2, 1), granularity.Y)
		default:
			return Size{}
		}
	}

	return size
}

// Split partitions tile into a row-major grid of sub-tiles of the given
// size. Sub-tiles in the last row and column are clipped to the tile.
func Split(tile *RenderTile, size Size) []SubTile {
	numX := (tile.W-1)/size.X + 1
	numY := (tile.H-1)/size.Y + 1

	// Buffer offset of the tile origin.
	offsetIndex := tile.Offset + tile.X + tile.Y*tile.Stride
	offsetX := offsetIndex % tile.Stride
	offsetY := offsetIndex / tile.Stride

	subTiles := make([]SubTile, 0, numX*numY)
	for ty := 0; ty < numY; ty++ {
		for tx := 0; tx < numX; tx++ {
			st := SubTile{
				X:             tile.X + tx*size.X,
				Y:             tile.Y + ty*size.Y,
				W:             size.X,
				H:             size.Y,
				BufferOffsetX: offsetX + tx*size.X,
				BufferOffsetY: offsetY + ty*size.Y,
				BufferStride:  tile.Stride,
				SampleStart:   tile.SampleStart,
				NumSamples:    tile.NumSamples,
				Output:        tile.Output,
			}

			// Border tiles
			if tx == numX-1 {
				st.W = tile.W - tx*size.X
			}
			if ty == numY-1 {
				st.H = tile.H - ty*size.Y
			}

			subTiles = append(subTiles, st)
		}
	}

	return subTiles
}

// SplitTile returns the sub-tiles required for rendering tile with at most
// maxLanes lanes. A tile that already fits is returned as the sole sub-tile.
func SplitTile(tile *RenderTile, maxLanes int, granularity Size) ([]SubTile, Size) {
	rounded := tile.Size().RoundUp(granularity)
	if rounded.Area() <= maxLanes {
		return Split(tile, tile.Size()), tile.Size()
	}

	size := SplitSize(tile.W, tile.H, maxLanes, granularity)
	if size.Area() == 0 {
		return nil, size
	}
	return Split(tile, size), size
}
