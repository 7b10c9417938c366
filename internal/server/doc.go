// Package server wraps the API router in the shared middleware chain and
// builds the *http.Server that serverutil.Run serves.
//
// Requests pass through request ID assignment, security headers, CORS and
// request logging before reaching the router.
package server
