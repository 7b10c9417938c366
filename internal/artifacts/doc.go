// Package artifacts owns the on-disk namespace of stream output. Every stream
// key maps to one directory under the store root holding the master
// playlist, one sub-directory per ladder variant and the optional thumbnail.
//
// Keys are validated against the stream key grammar before any path is
// joined, so a key can never address a path outside the root.
package artifacts
