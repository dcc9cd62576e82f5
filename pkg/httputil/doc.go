// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Error Responses
//
// Handlers return classified errors from pkg/errs and let WriteError pick
// the status code:
//
//	ws, err := svc.RenameWorkspace(ctx, id, req.Name)
//	if err != nil {
//		httputil.WriteError(w, r, err)
//		return
//	}
//
// Errors are written as {"error": "..."}; 5xx errors are logged with the
// request-scoped logger and their cause is never sent to the client.
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// # Related Packages
//
//   - pkg/middleware: Session authentication, plan gating and rate limiting
//   - pkg/access: Tenant-scoped authorization stages
package httputil
