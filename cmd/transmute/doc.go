// Package main hosts the transmute CLI.
//
// Commands build a conversion engine from the resolved configuration, run
// one or many conversions through it, and render routes, backend status and
// cache usage for the terminal. Conversion logic lives in internal packages;
// this package only parses flags and formats output.
package main
