// Package stagebody provides the stage bodies cadence ships with.
//
// Command runs an external tool described by the stage's effective config
// (command, args, outputs, fallback) inside the stage directory. Passthrough
// forwards the primary input unchanged and backs both unconfigured stages
// and the documented "passthrough" fallback. Defaults binds a Command to
// every stage in a registry.
package stagebody
