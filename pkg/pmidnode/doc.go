// Package pmidnode implements the pmid node persona: the vault as an
// actual chunk holder.
package pmidnode
