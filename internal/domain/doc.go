// Package domain models daily NDWI (normalized difference water index)
// coverage for a set of monitored fields inside one location bounding box.
//
// # Data Source
//
// Imagery comes from the Copernicus Data Space Ecosystem (CDSE) Process API
// as a single-band 8-bit PNG covering the location bbox. The evalscript maps
// Sentinel-2 L2A bands to NDWI and rescales it into [0,1] before
// quantization, so a pixel value p corresponds to:
//
//	ndwi = (p / 255) * 2 - 1
//
// Positive NDWI indicates open water; values above ~0.2 are treated as
// strong water signal. Cloud masking is left to the upstream mosaic.
//
// # Grid Conventions
//
// The raster grid is defined by the bbox and the requested pixel size. Pixel
// (row 0, col 0) is the north-west corner; rows grow southwards and columns
// eastwards:
//
//	x = minLon + col * (maxLon - minLon) / width
//	y = maxLat - row * (maxLat - minLat) / height
//
// Field polygons and the bbox share one coordinate frame (CRS84 lon/lat).
// There is no reprojection; the loader rejects configs declaring any other
// CRS.
//
// # Daily Tables
//
// One partition (date) yields three tables: per-field metrics, per-field
// deltas against the previous day, and a single location summary. Fields
// before their monitoring_start date, or whose polygon covers no pixel, are
// left out of the metrics table entirely rather than reported as zeros.
package domain
