// Package controller provides controllers: components that detect drift in a
// resource and correct it.
//
// DriftController compares a ResourceStore with a desired value. FileStore
// and SQLResource are the two stores shipped here. Cycle adapts any Controller
// to the operation and activation-condition interfaces so the manager can run
// it like any other sensed operation.
package controller
