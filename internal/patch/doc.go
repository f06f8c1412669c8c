// Package patch holds the per-patch stages of the tiling pipeline: deciding
// whether a patch is kept, rescaling its values, naming it, and encoding it
// for storage. Everything here is a pure function of its inputs.
package patch
