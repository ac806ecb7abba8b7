// Package mapstore persists elevation rasters keyed by an integer ID (spec
// §4.2): a GeoTIFF is converted to a 16-bit grayscale PNG with min/max
// elevation recorded alongside, all stored through the broker rather than
// a separate blob store.
package mapstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/LAPS-Group/laps/pkg/broker"
	"github.com/LAPS-Group/laps/pkg/laps"
	"github.com/LAPS-Group/laps/pkg/types"
)

// Grid is a decoded elevation raster: row-major, len(Values) == Width*Height.
type Grid struct {
	Width, Height int
	Values        []float64
}

// RasterConverter decodes a source raster format into a Grid plus its
// physical metadata. Kept as an interface so the default GeoTIFF adapter
// can be swapped in tests without exercising the image codec.
type RasterConverter interface {
	Decode(r io.Reader) (Grid, Meta, error)
}

// Meta is the physical metadata recorded alongside a map's pixels.
type Meta struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	MinHeight  float64 `json:"min_height"`
	MaxHeight  float64 `json:"max_height"`
	Resolution float64 `json:"resolution"`
}

// Store implements upload/get/meta/delete/list against a broker, using conv
// to decode uploaded rasters and encode them to PNG.
type Store struct {
	br        broker.Broker
	conv      RasterConverter
	maxPixels int
}

// New builds a Store. maxPixels of 0 disables the size cap.
func New(br broker.Broker, conv RasterConverter, maxPixels int) *Store {
	return &Store{br: br, conv: conv, maxPixels: maxPixels}
}

// Upload decodes raw (a GeoTIFF by default), normalizes it to a 16-bit
// grayscale PNG, allocates the next map ID, and persists bytes + metadata.
func (s *Store) Upload(ctx context.Context, raw io.Reader) (int64, error) {
	grid, meta, err := s.conv.Decode(raw)
	if err != nil {
		return 0, fmt.Errorf("decode raster: %w", laps.ErrInvalidInput)
	}
	if s.maxPixels > 0 && grid.Width*grid.Height > s.maxPixels {
		return 0, fmt.Errorf("raster %dx%d exceeds configured cap: %w", grid.Width, grid.Height, laps.ErrInvalidInput)
	}

	png, err := encodePNG(grid, meta)
	if err != nil {
		return 0, fmt.Errorf("encode png: %w", laps.ErrInvalidInput)
	}

	id, err := s.br.Incr(ctx, broker.MapNextIDKey())
	if err != nil {
		return 0, err
	}

	metaPayload, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("marshal meta: %w", laps.ErrInternal)
	}
	if err := s.br.Set(ctx, broker.MapMetaKey(id), metaPayload, 0); err != nil {
		return 0, err
	}
	if err := s.br.Set(ctx, broker.MapBytesKey(id), png, 0); err != nil {
		return 0, err
	}
	if err := s.br.HSet(ctx, broker.MapIDsKey(), strconv.FormatInt(id, 10), []byte("1")); err != nil {
		return 0, err
	}
	return id, nil
}

// Get returns the PNG bytes for id.
func (s *Store) Get(ctx context.Context, id int64) ([]byte, error) {
	v, ok, err := s.br.Get(ctx, broker.MapBytesKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, laps.ErrNotFound
	}
	return v, nil
}

// GetMeta returns the recorded metadata for id.
func (s *Store) GetMeta(ctx context.Context, id int64) (types.Map, error) {
	v, ok, err := s.br.Get(ctx, broker.MapMetaKey(id))
	if err != nil {
		return types.Map{}, err
	}
	if !ok {
		return types.Map{}, laps.ErrNotFound
	}
	var meta Meta
	if err := json.Unmarshal(v, &meta); err != nil {
		return types.Map{}, fmt.Errorf("unmarshal meta: %w", laps.ErrInternal)
	}
	return types.Map{
		ID:         id,
		Width:      meta.Width,
		Height:     meta.Height,
		MinHeight:  meta.MinHeight,
		MaxHeight:  meta.MaxHeight,
		Resolution: meta.Resolution,
	}, nil
}

// Delete removes id's bytes and metadata. The ID itself is never reused
// (spec §3): deletion only drops data, List simply stops reporting it.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, ok, err := s.br.Get(ctx, broker.MapMetaKey(id)); err != nil {
		return err
	} else if !ok {
		return laps.ErrNotFound
	}
	if err := s.br.Del(ctx, broker.MapBytesKey(id)); err != nil {
		return err
	}
	if err := s.br.Del(ctx, broker.MapMetaKey(id)); err != nil {
		return err
	}
	return s.br.HDel(ctx, broker.MapIDsKey(), strconv.FormatInt(id, 10))
}

// List returns every live map ID, sorted ascending.
func (s *Store) List(ctx context.Context) ([]int64, error) {
	fields, err := s.br.HGetAll(ctx, broker.MapIDsKey())
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(fields))
	for field := range fields {
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
