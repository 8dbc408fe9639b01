// Package model defines the provider-agnostic abstractions and concrete
// helpers for interacting with language models inside agentpipe.
//
// Core goals:
//   - Unify streaming and non-streaming generation behind a single interface
//   - Keep request/response shapes minimal and text based
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (OpenAI, Anthropic) implement the Model interface from this
// package so model-backed agents and routers stay decoupled from vendor SDKs.
package model
