// Package sensor drives operations from activation conditions.
//
// A Sensor loops: await the condition, then fire the bound operation with the
// parameters the condition produced. Whether a firing becomes an invocation is
// decided by the caller's FireFunc (the registry skips locked operations and
// rejects busy ones). Stopping a sensor ends the loop no later than its next
// iteration and leaves already submitted invocations running.
package sensor
