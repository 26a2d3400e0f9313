// Package rt raises the scheduling priority of streaming threads.
package rt

// DefaultNiceness is the nice value requested for streaming threads.
const DefaultNiceness = -10
