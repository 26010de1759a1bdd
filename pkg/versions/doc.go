// Package versions implements the structured-data version graph: a
// bounded tree of (index, id) version names with a capped number of
// concurrent branches. Serialization is deterministic so replicas
// holding equal graphs persist identical bytes.
package versions
