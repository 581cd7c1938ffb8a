// Package cachestore provides key/value drivers for the stencil template
// cache: an in-process memory store, a directory of files, Redis and SQLite.
//
// Every driver stamps entries with their save time and reports a miss when
// the stamp is older than the source modification time passed to Load.
package cachestore
