// Package script provides operations written in Starlark.
//
// A script defines perform(params) where params is the decoded JSON payload
// of the activation (None when absent):
//
//	def perform(params):
//	    if params == None:
//	        return err("Parameters required")
//	    log("checking %s" % params["target"])
//	    return ok("checked")
//
// Scripts have ok, err, log, sleep and struct predeclared. Each invocation
// runs in a fresh thread that is cancelled with the invocation context.
package script
