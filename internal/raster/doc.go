// Package raster opens multi-band rasters and reads grid-aligned windows
// from them without decoding the whole file.
//
// Windows are enumerated by a Grid, which is a pure function of the raster
// dimensions, patch size, stride and boundary policy, so the same sequence can
// be derived again anywhere. Datasets are opened through an Opener; the file
// implementation reads TIFF and BigTIFF files (GeoTIFF included) through a
// read-only memory map and only touches the strips or tiles a window overlaps.
package raster
