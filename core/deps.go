package core

import "pkt.systems/pslog"

// ClientDeps captures the collaborators of the notebook client.
type ClientDeps struct {
	Notebooks NotebookService
	Kernels   KernelConnector
	EventSink EventSink
	// Archive is optional. When set, outputs survive client restarts.
	Archive OutputArchive
	Logger  pslog.Logger
}
