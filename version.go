// Package fvpctl drives the Arm CCA FVP build and test pipeline.
package fvpctl

// Version is the fvpctl release version.
const Version = "0.3.0"
