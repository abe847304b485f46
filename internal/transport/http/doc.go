// Package http implements the HTTP handlers of the gateway. Handlers are a
// thin layer over the license gateway and the attack engine: they decode
// and validate requests, call the domain package and render the result.
//
// # Routes
//
//	GET    /api/health                         liveness
//	GET    /api/health/ready                   gateway and store probes
//	GET    /api/version                        build information
//	POST   /api/auth/login                     login, reported to the attack engine
//	GET    /api/license/me                     the tenant's validated license
//	GET    /api/modules/{module}/usage/{type}  module entitlement and usage
//
//	GET    /admin/security/stats               detector statistics
//	GET    /admin/security/export              json or xlsx snapshot
//	PUT    /admin/security/analysis            enable or disable analysis
//	DELETE /admin/security/state               drop all detector state
//	POST   /admin/security/events/{kind}       report login, session or coordinated events
//	GET    /admin/license/cache/stats          validation cache statistics
//	DELETE /admin/license/cache[/{tenantID}]   clear the validation cache
//	DELETE /admin/license/ratelimit            clear authority rate limits
//
// # Error Handling
//
// All errors are rendered as RFC 7807 problem details through
// errors.ErrorHandler. License failures carry their stable code in the
// "error" extension:
//
//	{
//	    "type": "/errors/module-not-licensed",
//	    "title": "Forbidden",
//	    "status": 403,
//	    "detail": "Module \"payroll\" is not licensed: module disabled",
//	    "error": "MODULE_NOT_LICENSED",
//	    "message": "Module \"payroll\" is not licensed: module disabled",
//	    "tenantId": "acme",
//	    "module": "payroll",
//	    "trace_id": "..."
//	}
package http
