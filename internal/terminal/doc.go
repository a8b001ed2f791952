// Package terminal bridges dashboard websocket connections to interactive shells.
//
// Each authorised connection gets its own shell on a pseudo-terminal, started
// in the workspace directory. Frames are JSON:
//
//	server -> client  {"type":"output","data":"..."}
//	client -> server  {"type":"input","data":"ls\r"}
//	client -> server  {"type":"resize","cols":120,"rows":40}
//
// Closing the connection kills the shell, and the shell exiting closes the
// connection. Hosts without pseudo-terminal support get a single output frame
// explaining why and no process.
package terminal
