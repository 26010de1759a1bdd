// Package message defines the routed wire envelope and its codec.
package message
