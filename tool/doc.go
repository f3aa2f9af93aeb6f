// Package tool implements the function / tool calling subsystem that lets
// the step executor invoke structured capabilities (APIs, computations,
// side-effects) with schema validated arguments, consistent error handling
// and rich metadata for LLM guidance.
//
// The Registry is the shared, read-only-during-dispatch lookup surface used
// by concurrent in-flight requests; individual Tool implementations are
// responsible for any internal mutable-state synchronization they require.
package tool
