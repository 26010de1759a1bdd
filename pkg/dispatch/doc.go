// Package dispatch demultiplexes inbound routed messages to persona
// handlers by the persona tag in the envelope.
package dispatch
