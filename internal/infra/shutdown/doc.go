// Package shutdown runs process-exit hooks in reverse registration order.
//
// Hooks registered first run last, so a component that registers its hook
// before initializing its dependents is torn down after them. Shutdown is
// triggered either by SIGINT/SIGTERM (Wait) or explicitly (Run); hooks run
// at most once either way.
//
// Usage:
//
//	h := shutdown.NewHandler(10 * time.Second)
//	h.OnShutdown("undo", mgr.AtProcExit)
//	return h.Wait()
package shutdown
