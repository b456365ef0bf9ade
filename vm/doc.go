// Package vm implements the xvm service execution engine.
//
// This package contains:
//   - Service contexts: single-threaded actors with a mailbox and a fiber scheduler
//   - Frames, guards and continuations for the call stack
//   - The op dispatch protocol (Op, Result and control codes)
//   - Cross-service requests, responses and futures
//   - A minimal object model (compositions, handles, templates) and op set
//   - A worker pool that drives any number of contexts concurrently
package vm
