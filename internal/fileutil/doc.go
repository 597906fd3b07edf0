// Package fileutil holds the copy, move and hashing primitives shared by the
// artifact cache, the backend selector and the sequence executor.
package fileutil
