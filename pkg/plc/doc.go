// Package plc wires a simulated PLC together and runs it.
//
// A Server owns the one process model of the PLC, the one protocol adapter
// selected by configuration, and the optional metrics endpoint and mDNS
// advertisement. Run drives the periodic model update and hands each tick
// to the adapter through a single-slot signal channel, so the update loop
// never blocks on network I/O:
//
//	srv, err := plc.New(plc.Config{
//	    Resolved:    resolved,
//	    RegisterDir: "/app/registers",
//	    Tick:        time.Second,
//	    Logger:      logger,
//	})
//	if err != nil {
//	    return err
//	}
//	return srv.Run(ctx)
//
// Run returns when ctx is cancelled, after the adapter has stopped
// accepting connections and closed its sessions.
package plc
