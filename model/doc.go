// Package model defines the provider-agnostic abstractions for the single
// blocking reasoning call an agent step performs.
//
// Core goals:
//   - Normalize tool / function call representation (ToolDefinition, ToolCall)
//   - Keep request/response shapes minimal and transport independent
//   - Carry generation constraints (stop sequences) without provider branching
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (e.g. OpenAI, Anthropic) implement the Model interface from this
// package so the step executor remains decoupled from vendor SDKs.
package model
