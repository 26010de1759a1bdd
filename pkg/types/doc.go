// Package types holds the vocabulary shared by every vault component:
// peer and message identifiers, persona tags, sender descriptions with
// their quorum arithmetic, action kinds, and the closed error taxonomy.
package types
