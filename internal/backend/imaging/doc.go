// Package imaging implements the in-process raster backend on top of
// github.com/disintegration/imaging. It converts among png, jpg, gif, bmp and
// tiff and honors optional width, height and quality options.
package imaging
