// Package http exposes the lab reservation workflows over JSON.
//
// Public endpoints:
//   - POST /login: exchanges {"email","password"} for a bearer token.
//   - GET /healthz: store liveness.
//   - GET /metrics: Prometheus exposition, when a recorder is configured.
//
// Every other endpoint requires "Authorization: Bearer <token>":
//   - POST /bookings, GET /bookings (own), GET /bookings/{id},
//     POST /bookings/{id}/decision, POST /bookings/{id}/withdraw.
//   - POST /component-requests, GET /component-requests (own),
//     GET /component-requests/{id}, POST /component-requests/{id}/decision,
//     POST /component-requests/{id}/withdraw, POST /component-requests/{id}/issue,
//     POST /component-requests/{id}/decline.
//   - GET /loans (own), GET /loans/overdue, GET /loans/{id},
//     POST /loans/{id}/return-request, POST /loans/{id}/return-approval,
//     POST /loans/{id}/extension, POST /loans/{id}/extension-decision.
//   - GET /inbox: everything awaiting the caller's decision.
//   - GET /activity, GET /activity/{entity}/{id}, POST /activity/{id}/undo.
//   - GET /labs/{id}/availability?date=YYYY-MM-DD.
//
// Request DTOs live next to their handlers and are checked with
// go-playground/validator before reaching the services. Responses render
// the persistence models with dates as YYYY-MM-DD and times as HH:MM.
package http
